package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LIVEKIT_URL", "LIVEKIT_API_KEY", "LIVEKIT_API_SECRET", "LIVEKIT_ROOM",
		"STT_SERVICE_URL", "MT_SERVICE_URL", "TTS_SERVICE_URL",
		"TARGET_LANGUAGES", "VOICE_PRESETS", "CHUNK_DURATION_MS",
		"MAX_RETRACTION_RATE",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadMissingRequiredFieldFails(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error when LIVEKIT_URL is unset")
	}
	var verr *ValidationError
	if ve, ok := err.(*ValidationError); ok {
		verr = ve
	}
	if verr == nil {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("LIVEKIT_URL", "wss://example.livekit.cloud")
	os.Setenv("LIVEKIT_API_KEY", "key")
	os.Setenv("LIVEKIT_API_SECRET", "secret")
	os.Setenv("LIVEKIT_ROOM", "room-1")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkDuration != 250*time.Millisecond {
		t.Errorf("ChunkDuration = %v, want 250ms", cfg.ChunkDuration)
	}
	if len(cfg.TargetLanguages) != 5 {
		t.Errorf("TargetLanguages = %v, want 5 defaults", cfg.TargetLanguages)
	}
	if got := cfg.VoiceFor("xx"); got != "xx-default" {
		t.Errorf("VoiceFor(xx) = %q, want xx-default", got)
	}
}

func TestLoadRejectsOutOfRangeRetractionRate(t *testing.T) {
	clearEnv(t)
	os.Setenv("LIVEKIT_URL", "wss://example.livekit.cloud")
	os.Setenv("LIVEKIT_API_KEY", "key")
	os.Setenv("LIVEKIT_API_SECRET", "secret")
	os.Setenv("LIVEKIT_ROOM", "room-1")
	os.Setenv("MAX_RETRACTION_RATE", "1.5")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for MAX_RETRACTION_RATE > 1")
	}
}
