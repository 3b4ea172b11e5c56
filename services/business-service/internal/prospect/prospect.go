package prospect

// Status tracks a prospect through the sales funnel. CONVERTED and LOST
// are terminal.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusContacted Status = "CONTACTED"
	StatusQualified Status = "QUALIFIED"
	StatusConverted Status = "CONVERTED"
	StatusLost      Status = "LOST"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusNew, StatusContacted, StatusQualified, StatusConverted, StatusLost:
		return s, true
	}
	return "", false
}

// CanTransition reports whether a prospect may move from one status to
// another. The funnel only moves forward; any non-terminal status may
// be marked LOST.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusNew:
		return to == StatusContacted || to == StatusQualified || to == StatusLost
	case StatusContacted:
		return to == StatusQualified || to == StatusLost
	case StatusQualified:
		return to == StatusConverted || to == StatusLost
	}
	return false
}
