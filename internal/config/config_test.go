package config

import (
	"testing"
	"time"
)

func base() Config {
	return Config{
		DBPath: "data/metgo.db",
		Monitor: Monitor{
			CyclePeriod:       300 * time.Second,
			QualityMinPercent: 80,
			SourceMinRatio:    0.95,
			MaxWindowRecords:  1000,
		},
		Dispatch: Dispatch{
			MaxAlertsPerHour: 5,
			Cooldown:         30 * time.Minute,
			ActiveHourStart:  6,
			ActiveHourEnd:    22,
		},
		Forecast: Forecast{
			TargetVariables: []string{"temperature_mean"},
			TestFraction:    0.2,
			MaxFeatures:     20,
			MaxHorizonHours: 360,
			MaxWorkers:      2,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty db path", func(c *Config) { c.DBPath = "" }, false},
		{"zero period", func(c *Config) { c.Monitor.CyclePeriod = 0 }, false},
		{"quality over 100", func(c *Config) { c.Monitor.QualityMinPercent = 120 }, false},
		{"ratio over 1", func(c *Config) { c.Monitor.SourceMinRatio = 1.5 }, false},
		{"zero rate limit", func(c *Config) { c.Dispatch.MaxAlertsPerHour = 0 }, false},
		{"negative cooldown", func(c *Config) { c.Dispatch.Cooldown = -time.Minute }, false},
		{"bad active hours", func(c *Config) { c.Dispatch.ActiveHourStart = 25 }, false},
		{"test fraction 1", func(c *Config) { c.Forecast.TestFraction = 1 }, false},
		{"no targets", func(c *Config) { c.Forecast.TargetVariables = nil }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
