package prospect

import "testing"

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"NEW", "CONTACTED", "QUALIFIED", "CONVERTED", "LOST"} {
		if _, ok := ParseStatus(raw); !ok {
			t.Fatalf("expected %q to parse", raw)
		}
	}
	if _, ok := ParseStatus("new"); ok {
		t.Fatalf("lowercase status should not parse")
	}
	if _, ok := ParseStatus(""); ok {
		t.Fatalf("empty status should not parse")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusNew, StatusContacted},
		{StatusNew, StatusQualified},
		{StatusNew, StatusLost},
		{StatusContacted, StatusQualified},
		{StatusContacted, StatusLost},
		{StatusQualified, StatusConverted},
		{StatusQualified, StatusLost},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusNew, StatusNew},
		{StatusNew, StatusConverted},
		{StatusContacted, StatusNew},
		{StatusContacted, StatusConverted},
		{StatusConverted, StatusLost},
		{StatusLost, StatusNew},
		{StatusLost, StatusContacted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}
