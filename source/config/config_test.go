package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := Default()
	cfg.Broadcast = "FIFO"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown broadcast policy")
	}
}

func TestValidateRejectsBadWindow(t *testing.T) {
	cfg := Default()
	cfg.WindowSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero window size")
	}
}

func TestValidateRejectsBadLossRate(t *testing.T) {
	cfg := Default()
	cfg.LossRate = 1.0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for loss rate of 1")
	}
}
