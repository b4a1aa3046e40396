package models

import (
	"sort"
	"time"
)

// Threshold holds the bounds for one vital type at one tier. A nil bound is
// unconstrained; a threshold with neither bound set never matches.
type Threshold struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Tier represents one severity level of the alerting rule set
type Tier struct {
	Name                       string   `json:"name"`
	Priority                   int      `json:"priority"` // Higher = more severe
	RequiredConsecutiveSamples int      `json:"requiredConsecutiveSamples"`
	InitialRecipientRoles      []string `json:"initialRecipientRoles"`
	EscalationRecipientRoles   []string `json:"escalationRecipientRoles"`
	EscalationDelaySeconds     float64  `json:"escalationDelaySeconds"` // <= 0 disables escalation
}

// EscalationDelay returns the escalation delay as a duration.
func (t Tier) EscalationDelay() time.Duration {
	return time.Duration(t.EscalationDelaySeconds * float64(time.Second))
}

// VitalRule maps tier names to thresholds for a single normalized vital key
type VitalRule struct {
	Unit             string               `json:"unit"`
	ThresholdsByTier map[string]Threshold `json:"thresholdsByTier"`
}

// RuleSet is the full alerting configuration. Immutable after load; shared
// freely across goroutines.
type RuleSet struct {
	StaleAfterSeconds   float64              `json:"staleAfterSeconds"`
	MaxSampleAgeSeconds float64              `json:"maxSampleAgeSeconds"`
	Tiers               []Tier               `json:"tiers"`
	VitalRules          map[string]VitalRule `json:"vitalRules"`
}

// TiersByPriority returns the tiers ordered highest priority first. Ties keep
// their configured order.
func (rs *RuleSet) TiersByPriority() []Tier {
	tiers := make([]Tier, len(rs.Tiers))
	copy(tiers, rs.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Priority > tiers[j].Priority
	})
	return tiers
}

// MaxRunLength returns the largest requiredConsecutiveSamples across tiers,
// which is the window capacity needed per patient/vital.
func (rs *RuleSet) MaxRunLength() int {
	max := 1
	for _, tier := range rs.Tiers {
		if tier.RequiredConsecutiveSamples > max {
			max = tier.RequiredConsecutiveSamples
		}
	}
	return max
}

// VitalRuleFor looks up the rule for a normalized vital key.
func (rs *RuleSet) VitalRuleFor(vitalKey string) (VitalRule, bool) {
	rule, ok := rs.VitalRules[vitalKey]
	return rule, ok
}

// RecipientRoleUnion returns every role named anywhere in the rule set, in
// first-seen order. Used to register audit sinks that should observe all
// traffic.
func (rs *RuleSet) RecipientRoleUnion() []string {
	seen := make(map[string]bool)
	var roles []string
	for _, tier := range rs.Tiers {
		for _, role := range append(append([]string{}, tier.InitialRecipientRoles...), tier.EscalationRecipientRoles...) {
			if !seen[role] {
				seen[role] = true
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// StaleAfter returns the window staleness bound as a duration.
func (rs *RuleSet) StaleAfter() time.Duration {
	return time.Duration(rs.StaleAfterSeconds * float64(time.Second))
}

// MaxSampleAge returns the maximum allowed run span as a duration.
func (rs *RuleSet) MaxSampleAge() time.Duration {
	return time.Duration(rs.MaxSampleAgeSeconds * float64(time.Second))
}
