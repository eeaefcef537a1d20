package packaging

import (
	"testing"
)

func TestUnitConfig_ApplyDefaults(t *testing.T) {
	cfg := UnitConfig{}
	cfg.ApplyDefaults()

	if cfg.UnitDir != "/etc/systemd/system" {
		t.Errorf("UnitDir = %q, want %q", cfg.UnitDir, "/etc/systemd/system")
	}
	if cfg.BinaryPath != "/usr/local/bin/splitwg" {
		t.Errorf("BinaryPath = %q, want %q", cfg.BinaryPath, "/usr/local/bin/splitwg")
	}
	if cfg.ConfigPath != "/etc/splitwg/config.yaml" {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, "/etc/splitwg/config.yaml")
	}
	if cfg.DropInName != "splitwg.conf" {
		t.Errorf("DropInName = %q, want %q", cfg.DropInName, "splitwg.conf")
	}
}

func TestUnitConfig_CustomValues(t *testing.T) {
	cfg := UnitConfig{
		UnitDir:    "/run/systemd/system",
		BinaryPath: "/opt/splitwg/bin/splitwg",
		ConfigPath: "/opt/splitwg/config.yaml",
		DropInName: "10-splitwg.conf",
	}
	cfg.ApplyDefaults()

	if cfg.UnitDir != "/run/systemd/system" {
		t.Errorf("UnitDir = %q, want custom value", cfg.UnitDir)
	}
	if cfg.BinaryPath != "/opt/splitwg/bin/splitwg" {
		t.Errorf("BinaryPath = %q, want custom value", cfg.BinaryPath)
	}
	if cfg.DropInName != "10-splitwg.conf" {
		t.Errorf("DropInName = %q, want custom value", cfg.DropInName)
	}
}

func TestUnitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*UnitConfig)
		wantErr bool
	}{
		{"defaults", func(*UnitConfig) {}, false},
		{"empty unit dir", func(c *UnitConfig) { c.UnitDir = "" }, true},
		{"empty binary", func(c *UnitConfig) { c.BinaryPath = "" }, true},
		{"empty config", func(c *UnitConfig) { c.ConfigPath = "" }, true},
		{"empty drop-in", func(c *UnitConfig) { c.DropInName = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := UnitConfig{}
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
