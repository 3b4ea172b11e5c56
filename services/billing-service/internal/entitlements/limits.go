package entitlements

import "github.com/agendly/agendly/services/billing-service/internal/plan"

// Limits is the entitlements slice other services consume. Keep this small
// and stable: booking enforces the appointment cap from these fields.
type Limits struct {
	Tier                   string `json:"tier"`
	MaxStaff               int32  `json:"max_staff"`
	MaxServices            int32  `json:"max_services"`
	MaxMonthlyAppointments int32  `json:"max_monthly_appointments"`
}

func LimitsForTier(tier string) Limits {
	p := plan.ForTier(tier)
	return Limits{
		Tier:                   p.Tier,
		MaxStaff:               int32(p.MaxStaff),
		MaxServices:            int32(p.MaxServices),
		MaxMonthlyAppointments: int32(p.MaxMonthlyAppointments),
	}
}
