package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverridesBasic(t *testing.T) {
	base := validConfig()

	os.Setenv("OTA_GATEWAY_BAUD", "230400")
	os.Setenv("OTA_GATEWAY_MDNS_ENABLE", "true")
	os.Setenv("OTA_GATEWAY_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("OTA_GATEWAY_DATA_TIMEOUT", "5s")
	t.Cleanup(func() {
		os.Unsetenv("OTA_GATEWAY_BAUD")
		os.Unsetenv("OTA_GATEWAY_MDNS_ENABLE")
		os.Unsetenv("OTA_GATEWAY_SERIAL_READ_TIMEOUT")
		os.Unsetenv("OTA_GATEWAY_DATA_TIMEOUT")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatal("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms, got %v", base.serialReadTO)
	}
	if base.dataTimeout != 5*time.Second {
		t.Fatalf("expected dataTimeout 5s, got %v", base.dataTimeout)
	}
}

func TestApplyEnvOverridesFlagPrecedence(t *testing.T) {
	base := validConfig()
	os.Setenv("OTA_GATEWAY_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("OTA_GATEWAY_BAUD") })

	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged at 115200, got %d", base.baud)
	}
}

func TestApplyEnvOverridesBadInt(t *testing.T) {
	base := validConfig()
	os.Setenv("OTA_GATEWAY_MAX_RETRIES", "notint")
	t.Cleanup(func() { os.Unsetenv("OTA_GATEWAY_MAX_RETRIES") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for bad integer")
	}
}
