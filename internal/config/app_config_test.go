package config

import (
	"testing"
	"time"
)

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()

	if cfg.Server.Name != "xzgateway" {
		t.Errorf("Server.Name = %q, want %q", cfg.Server.Name, "xzgateway")
	}
	if cfg.Connection.LoadBalanceStrategy != "round-robin" {
		t.Errorf("Connection.LoadBalanceStrategy = %q, want round-robin", cfg.Connection.LoadBalanceStrategy)
	}
	if cfg.ControlAPI.Port != 9999 {
		t.Errorf("ControlAPI.Port = %d, want 9999", cfg.ControlAPI.Port)
	}
	if cfg.Retry.InitialDelayMax != 90*time.Second {
		t.Errorf("Retry.InitialDelayMax = %v, want 90s", cfg.Retry.InitialDelayMax)
	}
}

func TestAppConfig_Validate(t *testing.T) {
	cfg := DefaultAppConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestAppConfig_ValidateLoadBalanceStrategy(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Connection.LoadBalanceStrategy = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should fail for invalid loadBalanceStrategy")
	}
}

func TestAppConfig_ValidateControlAPIPort(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.ControlAPI.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should fail for invalid control api port")
	}
}

func TestAppConfig_ValidateRetryOrdering(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Retry.InitialDelayMax = 10 * time.Second
	cfg.Retry.InitialDelayMin = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should fail when initialDelayMax < initialDelayMin")
	}
}

func TestAppConfig_ValidateBackends(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Backends = map[string]RawBackendConfig{
		"broken": {Transport: "stdio"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should fail for a backend missing command")
	}
}

func TestAppConfig_ValidateCustomTools(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.CustomTools = map[string]CustomToolRawConfig{
		"broken": {},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should fail for a custom tool missing kind")
	}
}
