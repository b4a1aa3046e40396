package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

func TestDefaultRuleSetIsValid(t *testing.T) {
	rs := DefaultRuleSet()
	require.NoError(t, ValidateRuleSet(rs))

	assert.Len(t, rs.Tiers, 3)
	assert.Equal(t, 3, rs.MaxRunLength())

	tiers := rs.TiersByPriority()
	require.Len(t, tiers, 3)
	assert.Equal(t, "critical", tiers[0].Name)
	assert.Equal(t, "moderate", tiers[1].Name)
	assert.Equal(t, "slight", tiers[2].Name)

	rule, ok := rs.VitalRuleFor("heart_rate")
	require.True(t, ok)
	assert.Equal(t, "bpm", rule.Unit)

	critical := rule.ThresholdsByTier["critical"]
	require.NotNil(t, critical.Min)
	require.NotNil(t, critical.Max)
	assert.Equal(t, 40.0, *critical.Min)
	assert.Equal(t, 180.0, *critical.Max)
}

func TestRecipientRoleUnion(t *testing.T) {
	rs := DefaultRuleSet()
	roles := rs.RecipientRoleUnion()
	assert.Equal(t, []string{"patient", "caregiver", "dispatcher", "hospital"}, roles)
}

func TestLoadRuleSetMissingFileFallsBack(t *testing.T) {
	rs := LoadRuleSet("/nonexistent/rules.json")
	require.NotNil(t, rs)
	assert.Len(t, rs.Tiers, 3)
}

func TestLoadRuleSetInvalidJSONFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	rs := LoadRuleSet(path)
	require.NotNil(t, rs)
	assert.Len(t, rs.Tiers, 3)
}

func TestLoadRuleSetValidFile(t *testing.T) {
	body := `{
		"staleAfterSeconds": 60,
		"maxSampleAgeSeconds": 45,
		"tiers": [
			{
				"name": "urgent",
				"priority": 9,
				"requiredConsecutiveSamples": 2,
				"initialRecipientRoles": ["patient"],
				"escalationRecipientRoles": ["caregiver"],
				"escalationDelaySeconds": 15
			}
		],
		"vitalRules": {
			"spo2": {
				"unit": "%",
				"thresholdsByTier": {"urgent": {"min": 90}}
			}
		}
	}`
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	rs := LoadRuleSet(path)
	require.Len(t, rs.Tiers, 1)
	assert.Equal(t, "urgent", rs.Tiers[0].Name)
	assert.Equal(t, 60.0, rs.StaleAfterSeconds)

	rule, ok := rs.VitalRuleFor("spo2")
	require.True(t, ok)
	require.NotNil(t, rule.ThresholdsByTier["urgent"].Min)
	assert.Equal(t, 90.0, *rule.ThresholdsByTier["urgent"].Min)
	assert.Nil(t, rule.ThresholdsByTier["urgent"].Max)
}

func TestValidateRuleSetRejections(t *testing.T) {
	base := func() *models.RuleSet { return DefaultRuleSet() }

	tests := []struct {
		name   string
		mutate func(rs *models.RuleSet)
	}{
		{"zero stale bound", func(rs *models.RuleSet) { rs.StaleAfterSeconds = 0 }},
		{"zero sample age", func(rs *models.RuleSet) { rs.MaxSampleAgeSeconds = 0 }},
		{"no tiers", func(rs *models.RuleSet) { rs.Tiers = nil }},
		{"empty tier name", func(rs *models.RuleSet) { rs.Tiers[0].Name = "" }},
		{"duplicate tier name", func(rs *models.RuleSet) { rs.Tiers[1].Name = rs.Tiers[0].Name }},
		{"zero run length", func(rs *models.RuleSet) { rs.Tiers[0].RequiredConsecutiveSamples = 0 }},
		{"no vital rules", func(rs *models.RuleSet) { rs.VitalRules = nil }},
		{"unknown tier reference", func(rs *models.RuleSet) {
			rs.VitalRules["heart_rate"].ThresholdsByTier["ghost"] = models.Threshold{}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := base()
			tt.mutate(rs)
			assert.Error(t, ValidateRuleSet(rs))
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Timeplus.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "alerts:events", cfg.Redis.Stream)
	assert.Equal(t, 5, cfg.Webhook.TimeoutSeconds)
}
