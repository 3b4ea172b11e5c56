package plan

import "strings"

// BillingFrequency selects which price tier a subscription is billed at.
type BillingFrequency string

const (
	Monthly BillingFrequency = "MONTHLY"
	Yearly  BillingFrequency = "YEARLY"
)

// Plan is the read-only pricing contract a subscription points at: base
// prices per frequency, the notification quota included in the base price,
// and the per-unit rate for usage beyond it. Amounts are cents.
type Plan struct {
	Tier                     string
	MonthlyPriceCents        int64
	YearlyPriceCents         int64
	IncludedNotifications    int64
	NotificationOverageCents int64 // per notification beyond the quota
	MaxBusinesses            int64
	MaxStaff                 int64
	MaxServices              int64
	MaxMonthlyAppointments   int64
	MaxStorageGB             float64
}

// PriceFor returns the base cost for one cycle at the given frequency.
func (p Plan) PriceFor(freq BillingFrequency) int64 {
	if freq == Yearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// ForTier resolves a tier name to its plan. Unknown tiers fall back to free,
// matching how entitlements default elsewhere.
func ForTier(tier string) Plan {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "starter":
		return Plan{
			Tier:                     "starter",
			MonthlyPriceCents:        1900,
			YearlyPriceCents:         19000,
			IncludedNotifications:    500,
			NotificationOverageCents: 2,
			MaxBusinesses:            1,
			MaxStaff:                 5,
			MaxServices:              25,
			MaxMonthlyAppointments:   500,
			MaxStorageGB:             5,
		}
	case "pro":
		return Plan{
			Tier:                     "pro",
			MonthlyPriceCents:        4900,
			YearlyPriceCents:         49000,
			IncludedNotifications:    5000,
			NotificationOverageCents: 1,
			MaxBusinesses:            10,
			MaxStaff:                 50,
			MaxServices:              200,
			MaxMonthlyAppointments:   5000,
			MaxStorageGB:             50,
		}
	default:
		return Plan{
			Tier:                     "free",
			MonthlyPriceCents:        0,
			YearlyPriceCents:         0,
			IncludedNotifications:    100,
			NotificationOverageCents: 3,
			MaxBusinesses:            1,
			MaxStaff:                 3,
			MaxServices:              10,
			MaxMonthlyAppointments:   200,
			MaxStorageGB:             1,
		}
	}
}

// Subscription is the read model the billing cycle consumes: which plan to
// price against and the usage counters accumulated since the last cycle
// rolled over. Persistence owns the struct's lifecycle; the accumulator only
// reads it.
type Subscription struct {
	ID         string
	BusinessID string
	Tier       string
	Frequency  BillingFrequency
	Status     string

	// Counters carried into a freshly opened cycle.
	Notifications int64
	APICalls      int64
	Businesses    int64
	Staff         int64
	Services      int64
	StorageGB     float64
}

// Plan resolves the subscription's pricing contract.
func (s Subscription) Plan() Plan {
	return ForTier(s.Tier)
}
