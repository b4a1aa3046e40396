package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Timeplus TimeplusConfig `mapstructure:"timeplus"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// RulesConfig points at the alert rule set definition
type RulesConfig struct {
	File string `mapstructure:"file"` // Optional JSON file; built-in defaults when empty or invalid
}

// TimeplusConfig holds the Timeplus connection configuration for vital and
// alert history streams
type TimeplusConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Workspace string `mapstructure:"workspace"`
}

// PostgresConfig holds the caregiver directory database configuration
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// MQTTConfig holds the MQTT vitals ingestion configuration
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"clientId"`
	TopicPrefix string `mapstructure:"topicPrefix"`
	QOS         int    `mapstructure:"qos"`
}

// KafkaConfig holds the Kafka vitals ingestion configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"groupId"`
}

// RedisConfig holds the Redis alert audit stream configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"maxLen"`
}

// WebhookConfig holds the outbound alert webhook configuration
type WebhookConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	// Set default values
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.allowedOrigins", "*")
	viper.SetDefault("server.shutdownTimeout", 10)

	viper.SetDefault("rules.file", "")

	viper.SetDefault("timeplus.enabled", false)
	viper.SetDefault("timeplus.address", "localhost:8464")
	viper.SetDefault("timeplus.username", "default")
	viper.SetDefault("timeplus.password", "")
	viper.SetDefault("timeplus.workspace", "default")

	viper.SetDefault("postgres.enabled", false)
	viper.SetDefault("postgres.dsn", "")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.clientId", "vitals-alert-gateway")
	viper.SetDefault("mqtt.topicPrefix", "vitals")
	viper.SetDefault("mqtt.qos", 1)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "vitals")
	viper.SetDefault("kafka.groupId", "vitals-alert-gateway")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.stream", "alerts:events")
	viper.SetDefault("redis.maxLen", 4096)

	viper.SetDefault("webhook.enabled", false)
	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.timeoutSeconds", 5)

	// Allow environment variables to override config file
	viper.SetEnvPrefix("CARESIGNAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If config file is provided, read it
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	// Unmarshal config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadRuleSet loads the alert rule set from a JSON file. Any load or
// validation failure is logged and the built-in defaults are returned;
// a bad rules file must never keep the gateway from starting.
func LoadRuleSet(path string) *models.RuleSet {
	if path == "" {
		logrus.Info("No rules file configured, using built-in default rule set")
		return DefaultRuleSet()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Warnf("Failed to read rules file %s: %v, using built-in defaults", path, err)
		return DefaultRuleSet()
	}

	var ruleSet models.RuleSet
	if err := json.Unmarshal(data, &ruleSet); err != nil {
		logrus.Warnf("Failed to parse rules file %s: %v, using built-in defaults", path, err)
		return DefaultRuleSet()
	}

	if err := ValidateRuleSet(&ruleSet); err != nil {
		logrus.Warnf("Invalid rules file %s: %v, using built-in defaults", path, err)
		return DefaultRuleSet()
	}

	logrus.Infof("Loaded rule set from %s (%d tiers, %d vital types)", path, len(ruleSet.Tiers), len(ruleSet.VitalRules))
	return &ruleSet
}

// ValidateRuleSet checks the structural invariants the decision engine relies on
func ValidateRuleSet(rs *models.RuleSet) error {
	if rs.StaleAfterSeconds <= 0 {
		return fmt.Errorf("staleAfterSeconds must be positive, got %g", rs.StaleAfterSeconds)
	}
	if rs.MaxSampleAgeSeconds <= 0 {
		return fmt.Errorf("maxSampleAgeSeconds must be positive, got %g", rs.MaxSampleAgeSeconds)
	}
	if len(rs.Tiers) == 0 {
		return fmt.Errorf("rule set has no tiers")
	}
	names := make(map[string]bool)
	for _, tier := range rs.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("tier with empty name")
		}
		if names[tier.Name] {
			return fmt.Errorf("duplicate tier name %q", tier.Name)
		}
		names[tier.Name] = true
		if tier.RequiredConsecutiveSamples < 1 {
			return fmt.Errorf("tier %q: requiredConsecutiveSamples must be >= 1, got %d", tier.Name, tier.RequiredConsecutiveSamples)
		}
	}
	if len(rs.VitalRules) == 0 {
		return fmt.Errorf("rule set has no vital rules")
	}
	for key, rule := range rs.VitalRules {
		for tierName := range rule.ThresholdsByTier {
			if !names[tierName] {
				return fmt.Errorf("vital %q references unknown tier %q", key, tierName)
			}
		}
	}
	return nil
}

// DefaultRuleSet returns the built-in alerting configuration: three heart
// rate tiers with 30 second escalation windows.
func DefaultRuleSet() *models.RuleSet {
	return &models.RuleSet{
		StaleAfterSeconds:   120,
		MaxSampleAgeSeconds: 90,
		Tiers: []models.Tier{
			{
				Name:                       "slight",
				Priority:                   1,
				RequiredConsecutiveSamples: 3,
				InitialRecipientRoles:      []string{"patient"},
				EscalationRecipientRoles:   []string{"caregiver"},
				EscalationDelaySeconds:     30,
			},
			{
				Name:                       "moderate",
				Priority:                   2,
				RequiredConsecutiveSamples: 3,
				InitialRecipientRoles:      []string{"patient"},
				EscalationRecipientRoles:   []string{"caregiver", "dispatcher"},
				EscalationDelaySeconds:     30,
			},
			{
				Name:                       "critical",
				Priority:                   3,
				RequiredConsecutiveSamples: 3,
				InitialRecipientRoles:      []string{"patient"},
				EscalationRecipientRoles:   []string{"caregiver", "dispatcher", "hospital"},
				EscalationDelaySeconds:     30,
			},
		},
		VitalRules: map[string]models.VitalRule{
			"heart_rate": {
				Unit: "bpm",
				ThresholdsByTier: map[string]models.Threshold{
					"slight":   {Min: floatPtr(55), Max: floatPtr(120)},
					"moderate": {Min: floatPtr(50), Max: floatPtr(140)},
					"critical": {Min: floatPtr(40), Max: floatPtr(180)},
				},
			},
		},
	}
}

func floatPtr(v float64) *float64 {
	return &v
}
