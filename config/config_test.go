package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientLogsCapacity != 500 {
		t.Errorf("ClientLogsCapacity = %d, want 500", cfg.ClientLogsCapacity)
	}
	if cfg.LogLevelMin != "info" {
		t.Errorf("LogLevelMin = %q, want info", cfg.LogLevelMin)
	}
	if cfg.SheetsLockMode != "none" {
		t.Errorf("SheetsLockMode = %q, want none", cfg.SheetsLockMode)
	}
	if cfg.WSHeartbeatInterval().Seconds() != 1 {
		t.Errorf("WSHeartbeatInterval = %v, want 1s", cfg.WSHeartbeatInterval())
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
}

func TestLoadFlagOverridesListenAddr(t *testing.T) {
	cfg, err := Load([]string{"--listen-addr", ":9090"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
}

func TestDecodeMatchersFromRawTree(t *testing.T) {
	v := viper.New()
	v.Set("matchers", []interface{}{
		map[string]interface{}{
			"kind":                 "ps2-mouse",
			"identificationString": "MS",
			"baudRate":             9600,
		},
		map[string]interface{}{
			"kind":             "power-meter",
			"identifyRequired": false,
			"serialNumber":     "PM-0042",
			"keepOpenOnStatic": true,
		},
	})

	ms, err := decodeMatchers(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("expected 2 matchers, got %d", len(ms))
	}
	if ms[0].Kind != "ps2-mouse" || ms[0].IdentificationString != "MS" || ms[0].BaudRate != 9600 {
		t.Fatalf("matcher 0 decoded wrong: %+v", ms[0])
	}
	if ms[1].IdentifyRequired == nil || *ms[1].IdentifyRequired {
		t.Fatalf("expected identifyRequired explicitly false, got %+v", ms[1].IdentifyRequired)
	}
	if !ms[1].KeepOpenOnStatic || ms[1].SerialNumber != "PM-0042" {
		t.Fatalf("matcher 1 decoded wrong: %+v", ms[1])
	}
}

func TestDecodeMatchersRejectsNonList(t *testing.T) {
	v := viper.New()
	v.Set("matchers", "not-a-list")
	if _, err := decodeMatchers(v); err == nil {
		t.Fatal("expected a decode error for a non-list matchers value")
	}
}
