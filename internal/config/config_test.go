package config

import (
	"os"
	"testing"
	"time"
)

// unsetEnv clears a variable for the duration of the test
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"BATCH_SIZE", "CHECK_INTERVAL", "LONG_RUNNING_THRESHOLD", "ERP_DRIVER"} {
		unsetEnv(t, key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BatchSize != 200 {
		t.Errorf("BatchSize = %d, want 200", cfg.BatchSize)
	}
	if cfg.LongRunningThreshold != 10*time.Minute {
		t.Errorf("LongRunningThreshold = %v, want 10m", cfg.LongRunningThreshold)
	}
	if cfg.ERPDriver != "firebirdsql" {
		t.Errorf("ERPDriver = %q, want firebirdsql", cfg.ERPDriver)
	}
}

func TestLoadClampsBatchSize(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"above maximum", "5000", MaxBatchSize},
		{"below minimum", "-3", MinBatchSize},
		{"zero", "0", MinBatchSize},
		{"in range", "350", 350},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BATCH_SIZE", tt.value)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if cfg.BatchSize != tt.want {
				t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, tt.want)
			}
		})
	}
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("LONG_RUNNING_THRESHOLD", "15m")
	t.Setenv("CHECK_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.LongRunningThreshold != 15*time.Minute {
		t.Errorf("LongRunningThreshold = %v, want 15m", cfg.LongRunningThreshold)
	}
	if cfg.CheckInterval != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s", cfg.CheckInterval)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{ScheduleTimezone: "Not/AZone"}
	if loc := cfg.Location(); loc != time.UTC {
		t.Errorf("Location() = %v, want UTC", loc)
	}
}
