package services

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

// AlertDecision is the outcome of evaluating one sample: the highest-priority
// tier whose threshold held across its full required run. Transient; consumed
// by the delivery service and discarded.
type AlertDecision struct {
	Tier       models.Tier
	Threshold  models.Threshold
	Run        []models.Sample // The matched run, oldest to newest
	VitalKey   string
	SampleTime time.Time
}

// DecisionEngine evaluates incoming vital samples against the rule set over
// per-patient sliding windows. Evaluation is pure computation plus window
// mutation; it performs no I/O and never returns an error, because a garbled
// sensor reading must not disturb ingestion of the next one.
type DecisionEngine struct {
	rules   *models.RuleSet
	tiers   []models.Tier // Descending priority
	windows *windowStore
}

// NewDecisionEngine creates an engine bound to an immutable rule set.
func NewDecisionEngine(rules *models.RuleSet) *DecisionEngine {
	return &DecisionEngine{
		rules:   rules,
		tiers:   rules.TiersByPriority(),
		windows: newWindowStore(rules.MaxRunLength()),
	}
}

// Evaluate applies one sample and returns the matched tier decision, or nil
// when nothing sustained a breach. A zero timestamp means "now"; timestamps
// are normalized to UTC before windowing.
func (e *DecisionEngine) Evaluate(patientID, vitalType string, value interface{}, unit string, timestamp time.Time) *AlertDecision {
	vitalKey := NormalizeVitalKey(vitalType, unit)
	rule, ok := e.rules.VitalRuleFor(vitalKey)
	if !ok {
		return nil
	}

	floatValue, ok := CoerceValue(value)
	if !ok {
		return nil
	}

	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	} else {
		timestamp = timestamp.UTC()
	}

	sample := models.Sample{Value: floatValue, Timestamp: timestamp}
	window := e.windows.get(patientID, vitalKey).observe(sample, e.rules.StaleAfter())

	for _, tier := range e.tiers {
		threshold, ok := rule.ThresholdsByTier[tier.Name]
		if !ok {
			continue
		}
		if threshold.Min == nil && threshold.Max == nil {
			// Unbounded thresholds never breach
			continue
		}

		required := tier.RequiredConsecutiveSamples
		if len(window) < required {
			continue
		}

		run := window[len(window)-required:]
		if run[len(run)-1].Timestamp.Sub(run[0].Timestamp) > e.rules.MaxSampleAge() {
			// Run too spread out in time to count as sustained
			continue
		}

		sustained := true
		for _, s := range run {
			if !breaches(threshold, s.Value) {
				sustained = false
				break
			}
		}
		if sustained {
			matched := make([]models.Sample, len(run))
			copy(matched, run)
			return &AlertDecision{
				Tier:       tier,
				Threshold:  threshold,
				Run:        matched,
				VitalKey:   vitalKey,
				SampleTime: timestamp,
			}
		}
	}
	return nil
}

// WindowCount returns the number of live patient/vital windows.
func (e *DecisionEngine) WindowCount() int {
	return e.windows.size()
}

// NormalizeVitalKey maps raw vital type strings onto rule-set keys. Device
// firmware sends "bpm" and "heart_rate" interchangeably, and ECG streams
// carrying a derived BPM reading are treated as heart rate.
func NormalizeVitalKey(vitalType, unit string) string {
	key := strings.ToLower(strings.TrimSpace(vitalType))
	switch key {
	case "bpm", "heart_rate":
		return "heart_rate"
	case "ecg":
		if strings.EqualFold(strings.TrimSpace(unit), "bpm") {
			return "heart_rate"
		}
	}
	return key
}

func breaches(threshold models.Threshold, value float64) bool {
	if threshold.Min != nil && value < *threshold.Min {
		return true
	}
	if threshold.Max != nil && value > *threshold.Max {
		return true
	}
	return false
}

// CoerceValue converts the untyped wire value into a float64. Accepts numbers,
// json.Number, and numeric strings; everything else is rejected without error.
func CoerceValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
