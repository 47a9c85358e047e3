package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestClassify_DeadlineBecomesTimeout(t *testing.T) {
	err := fmt.Errorf("run script: %w", context.DeadlineExceeded)

	genErr := Classify(err, Animation)
	if genErr.Kind != KindTimeout {
		t.Errorf("Expected kind TIMEOUT, got %s", genErr.Kind)
	}
}

func TestClassify_CancelBecomesModelFailure(t *testing.T) {
	genErr := Classify(context.Canceled, Image)
	if genErr.Kind != KindModelFailure {
		t.Errorf("Expected kind MODEL_FAILURE, got %s", genErr.Kind)
	}
}

func TestClassify_PassesThroughClassifiedErrors(t *testing.T) {
	original := InvalidInput("text must not be empty")

	genErr := Classify(fmt.Errorf("wrapped: %w", original), Audio)
	if genErr != original {
		t.Errorf("Expected classified error to pass through, got %v", genErr)
	}
}

func TestClassify_UnknownBecomesModelFailure(t *testing.T) {
	genErr := Classify(errors.New("exit status 1"), Audio)
	if genErr.Kind != KindModelFailure {
		t.Errorf("Expected kind MODEL_FAILURE, got %s", genErr.Kind)
	}
}

func TestAsGenerationError(t *testing.T) {
	wrapped := fmt.Errorf("stage: %w", Timeout(nil, "too slow"))

	genErr, ok := AsGenerationError(wrapped)
	if !ok {
		t.Fatal("Expected to extract GenerationError from wrapped error")
	}
	if genErr.Kind != KindTimeout {
		t.Errorf("Expected kind TIMEOUT, got %s", genErr.Kind)
	}

	if _, ok := AsGenerationError(errors.New("plain")); ok {
		t.Error("Expected no GenerationError in plain error")
	}
}

func TestVerifyArtifact(t *testing.T) {
	dir := t.TempDir()

	if err := VerifyArtifact("", Audio); err == nil {
		t.Error("Expected error for empty reference")
	}

	missing := Ref(filepath.Join(dir, "missing.wav"))
	if err := VerifyArtifact(missing, Audio); err == nil {
		t.Error("Expected error for missing artifact")
	}

	empty := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyArtifact(Ref(empty), Audio); err == nil {
		t.Error("Expected error for empty artifact")
	}

	good := filepath.Join(dir, "good.wav")
	if err := os.WriteFile(good, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyArtifact(Ref(good), Audio); err != nil {
		t.Errorf("Expected no error for non-empty artifact, got %v", err)
	}
}
