package config

import (
	"testing"
	"time"
)

func TestLoadServerConfig(t *testing.T) {
	cases := []struct {
		name    string
		port    string
		want    string
		wantErr bool
	}{
		{name: "default", port: "", want: ":8080"},
		{name: "bare port", port: "9090", want: ":9090"},
		{name: "full addr", port: "127.0.0.1:9090", want: "127.0.0.1:9090"},
		{name: "garbage", port: "90 90", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PORT", tc.port)
			cfg, err := loadServerConfig()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("loadServerConfig err: %v", err)
			}
			if cfg.Addr != tc.want {
				t.Fatalf("Addr = %q, want %q", cfg.Addr, tc.want)
			}
		})
	}
}

func TestScorerConfigEnabled(t *testing.T) {
	cases := []struct {
		name string
		cfg  ScorerConfig
		want bool
	}{
		{name: "api key", cfg: ScorerConfig{Model: "m", APIKey: "k"}, want: true},
		{name: "ak sk pair", cfg: ScorerConfig{Model: "m", AccessKey: "a", SecretKey: "s"}, want: true},
		{name: "missing model", cfg: ScorerConfig{APIKey: "k"}, want: false},
		{name: "half pair", cfg: ScorerConfig{Model: "m", AccessKey: "a"}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.Enabled(); got != tc.want {
				t.Fatalf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoadScorerConfigDefaults(t *testing.T) {
	cfg, err := loadScorerConfig()
	if err != nil {
		t.Fatalf("loadScorerConfig err: %v", err)
	}
	if cfg.Deadline != 2*time.Second {
		t.Fatalf("Deadline = %v, want 2s", cfg.Deadline)
	}
	if cfg.MaxFailures != 5 {
		t.Fatalf("MaxFailures = %d, want 5", cfg.MaxFailures)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DURATION", "750ms")
	val, err := parseDurationEnv("TEST_DURATION", time.Second)
	if err != nil {
		t.Fatalf("parseDurationEnv err: %v", err)
	}
	if val != 750*time.Millisecond {
		t.Fatalf("val = %v", val)
	}

	t.Setenv("TEST_DURATION", "not a duration")
	if _, err := parseDurationEnv("TEST_DURATION", time.Second); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
