package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "TTS_ENGINE", "AVATAR_ENGINE", "QUALITY",
		"DEEPGRAM_API_KEY", "ARK_API_KEY", "AUDIO_TIMEOUT",
		"ARTIFACT_ROOT", "REDIS_ADDR",
	} {
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.TTSEngine != TTSEngineGTTS {
		t.Errorf("Expected default TTSEngine 'gtts', got '%s'", cfg.TTSEngine)
	}
	if cfg.AvatarEngine != AvatarEngineDiffusion {
		t.Errorf("Expected default AvatarEngine 'diffusion', got '%s'", cfg.AvatarEngine)
	}
	if cfg.Quality != QualityBalanced {
		t.Errorf("Expected default Quality 'balanced', got '%s'", cfg.Quality)
	}
	if cfg.AudioTimeout != 120 {
		t.Errorf("Expected default AudioTimeout 120, got %d", cfg.AudioTimeout)
	}
	if cfg.AnimationTimeout != 1800 {
		t.Errorf("Expected default AnimationTimeout 1800, got %d", cfg.AnimationTimeout)
	}
	if cfg.ArtifactKeep != 3 {
		t.Errorf("Expected default ArtifactKeep 3, got %d", cfg.ArtifactKeep)
	}
}

func TestLoad_DeepgramRequiresKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("TTS_ENGINE", "deepgram")
	defer os.Unsetenv("TTS_ENGINE")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when TTS_ENGINE=deepgram and no API key set")
	}

	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	defer os.Unsetenv("DEEPGRAM_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_ArkRequiresKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("AVATAR_ENGINE", "ark")
	defer os.Unsetenv("AVATAR_ENGINE")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when AVATAR_ENGINE=ark and no API key set")
	}
}

func TestLoad_RejectsUnknownEngines(t *testing.T) {
	clearEnv(t)
	os.Setenv("TTS_ENGINE", "espeak")
	defer os.Unsetenv("TTS_ENGINE")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown TTS_ENGINE")
	}
}

func TestLoad_RejectsUnknownQuality(t *testing.T) {
	clearEnv(t)
	os.Setenv("QUALITY", "ultra")
	defer os.Unsetenv("QUALITY")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown QUALITY")
	}
}
