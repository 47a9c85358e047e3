package animation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

type fakeRunner struct {
	result   stage.CommandResult
	err      error
	onRun    func(dir string, args []string)
	lastDir  string
	lastArgs []string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, name string, args ...string) (stage.CommandResult, error) {
	f.lastDir = dir
	f.lastArgs = args
	if f.onRun != nil {
		f.onRun(dir, args)
	}
	if ctx.Err() != nil {
		return f.result, ctx.Err()
	}
	return f.result, f.err
}

func newTestClient(quality string, runner stage.CommandRunner) *SadTalkerClient {
	return &SadTalkerClient{
		pythonBin:    "python3",
		sadTalkerDir: "/opt/SadTalker",
		quality:      quality,
		runner:       runner,
		logger:       zerolog.Nop(),
	}
}

func validInput(t *testing.T) Input {
	t.Helper()
	dir := t.TempDir()
	audio := filepath.Join(dir, "a.wav")
	image := filepath.Join(dir, "i.png")
	for _, p := range []string{audio, image} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return Input{AudioRef: stage.Ref(audio), ImageRef: stage.Ref(image)}
}

func TestSadTalker_CollectsNewestVideo(t *testing.T) {
	scratch := t.TempDir()
	out := filepath.Join(t.TempDir(), "final.mp4")

	runner := &fakeRunner{
		onRun: func(dir string, args []string) {
			// SadTalker writes into a timestamped subdirectory
			sub := filepath.Join(scratch, "2026_08_28_10.00.00")
			os.MkdirAll(sub, 0o755)
			old := filepath.Join(sub, "old.mp4")
			os.WriteFile(old, []byte("old"), 0o644)
			mt := time.Now().Add(-time.Hour)
			os.Chtimes(old, mt, mt)
			os.WriteFile(filepath.Join(sub, "new.mp4"), []byte("new"), 0o644)
		},
	}

	ref, err := newTestClient(config.QualityBalanced, runner).Animate(context.Background(), validInput(t), scratch, out)
	if err != nil {
		t.Fatalf("Animate() failed: %v", err)
	}
	data, err := os.ReadFile(ref.String())
	if err != nil {
		t.Fatalf("Reading result: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("Expected newest video to be collected, got %q", data)
	}
	if runner.lastDir != "/opt/SadTalker" {
		t.Errorf("Expected inference to run from the SadTalker dir, got %s", runner.lastDir)
	}
}

func TestSadTalker_MissingInputsAreInvalid(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestClient(config.QualityBalanced, runner)

	_, err := c.Animate(context.Background(), Input{AudioRef: "a.wav"}, t.TempDir(), "out.mp4")
	genErr, ok := stage.AsGenerationError(err)
	if !ok || genErr.Kind != stage.KindInvalidInput {
		t.Errorf("Expected INVALID_INPUT for missing image ref, got %v", err)
	}
	if runner.lastArgs != nil {
		t.Error("Expected no subprocess run without both inputs")
	}
}

func TestSadTalker_NoVideoIsModelFailure(t *testing.T) {
	runner := &fakeRunner{} // succeeds but renders nothing

	_, err := newTestClient(config.QualityBalanced, runner).Animate(context.Background(), validInput(t), t.TempDir(), "out.mp4")
	genErr, ok := stage.AsGenerationError(err)
	if !ok || genErr.Kind != stage.KindModelFailure {
		t.Errorf("Expected MODEL_FAILURE, got %v", err)
	}
}

func TestSadTalker_DeadlineIsTimeout(t *testing.T) {
	runner := &fakeRunner{err: errors.New("signal: killed")}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := newTestClient(config.QualityBalanced, runner).Animate(ctx, validInput(t), t.TempDir(), "out.mp4")
	genErr, ok := stage.AsGenerationError(err)
	if !ok || genErr.Kind != stage.KindTimeout {
		t.Errorf("Expected TIMEOUT, got %v", err)
	}
}

func TestSadTalker_QualityFlags(t *testing.T) {
	cases := []struct {
		quality string
		want    []string
		absent  string
	}{
		{config.QualityFast, []string{"--size", "256"}, "--enhancer"},
		{config.QualityBalanced, []string{"--size", "512"}, "--enhancer"},
		{config.QualityHigh, []string{"--enhancer", "gfpgan"}, "--size"},
	}

	for _, tc := range cases {
		c := newTestClient(tc.quality, nil)
		args := c.inferenceArgs(Input{AudioRef: "a.wav", ImageRef: "i.png"}, tc.quality, "scratch")

		for _, w := range tc.want {
			if !slices.Contains(args, w) {
				t.Errorf("quality %s: expected %s in args %v", tc.quality, w, args)
			}
		}
		if slices.Contains(args, tc.absent) {
			t.Errorf("quality %s: did not expect %s in args %v", tc.quality, tc.absent, args)
		}
		if !slices.Contains(args, "--still") {
			t.Errorf("quality %s: expected --still in args %v", tc.quality, args)
		}
	}
}
