package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("ONBOARDPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("ONBOARDPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"90s", 90 * time.Second},
		{"0", 0},
		{"-5m", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("ONBOARDPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("ONBOARDPIPE_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("ONBOARDPIPE_TEST_INT", " 8 ")
	if got := ParseIntEnv("ONBOARDPIPE_TEST_INT", 1); got != 8 {
		t.Errorf("expected 8, got %d", got)
	}
	t.Setenv("ONBOARDPIPE_TEST_INT", "eight")
	if got := ParseIntEnv("ONBOARDPIPE_TEST_INT", 1); got != 1 {
		t.Errorf("expected default 1, got %d", got)
	}
}
