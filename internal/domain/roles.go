package domain

import "strings"

// Plan is the subscription tier of a user.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// PlanLimits describes what a tier is allowed to receive.
type PlanLimits struct {
	Plan      Plan
	Name      string
	MaxItems  int
	HighOnly  bool
	Providers []Source
}

// Allows reports whether the plan may fetch from source.
func (l PlanLimits) Allows(source Source) bool {
	for _, s := range l.Providers {
		if s == source {
			return true
		}
	}
	return false
}

var plans = map[Plan]PlanLimits{
	PlanFree: {
		Plan:      PlanFree,
		Name:      "Free",
		MaxItems:  3,
		HighOnly:  true,
		Providers: []Source{SourceGmail, SourceCalendar},
	},
	PlanPro: {
		Plan:      PlanPro,
		Name:      "Pro",
		MaxItems:  10,
		HighOnly:  false,
		Providers: []Source{SourceGmail, SourceCalendar, SourceGitHub},
	},
}

// ParsePlan normalizes a stored plan value. Unknown values map to free.
func ParsePlan(raw string) Plan {
	if p := Plan(strings.ToLower(strings.TrimSpace(raw))); p == PlanPro {
		return PlanPro
	}
	return PlanFree
}

// LimitsForPlan returns the limits of a plan. Unknown plans get free limits.
func LimitsForPlan(plan Plan) PlanLimits {
	if limits, ok := plans[ParsePlan(string(plan))]; ok {
		return limits
	}
	return plans[PlanFree]
}
