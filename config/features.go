package config

import "os"

type Features struct {
	AuthEnabled           bool `yaml:"authEnabled"`
	ScheduledSweepEnabled bool `yaml:"scheduledSweepEnabled"`
	DeadLetterEnabled     bool `yaml:"deadLetterEnabled"`
	MigrateOnStartup      bool `yaml:"migrateOnStartup"`
}

// applyFeatureOverrides lets the environment flip flags set by defaults or YAML.
func applyFeatureOverrides(f *Features) {
	if v, ok := os.LookupEnv("AUTH_ENABLED"); ok {
		f.AuthEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("SCHEDULED_SWEEP_ENABLED"); ok {
		f.ScheduledSweepEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("DEAD_LETTER_ENABLED"); ok {
		f.DeadLetterEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("CREATE_SCHEMA_ON_STARTUP"); ok {
		f.MigrateOnStartup = parseBool(v)
	}
}
