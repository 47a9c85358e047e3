package animation

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// SadTalkerClient drives SadTalker's inference.py as a subprocess.
// SadTalker writes its output into a timestamped subtree of the result
// directory, so after a successful run the newest mp4 under the scratch
// directory is moved to the artifact path.
type SadTalkerClient struct {
	pythonBin    string
	sadTalkerDir string
	quality      string
	runner       stage.CommandRunner
	logger       zerolog.Logger
}

// NewSadTalkerClient creates a subprocess-backed synthesizer.
func NewSadTalkerClient(cfg *config.Config, logger zerolog.Logger) *SadTalkerClient {
	return &SadTalkerClient{
		pythonBin:    cfg.PythonBin,
		sadTalkerDir: cfg.SadTalkerDir,
		quality:      cfg.Quality,
		runner:       &stage.ExecRunner{},
		logger:       logger,
	}
}

// Animate runs SadTalker and collects the rendered video.
func (c *SadTalkerClient) Animate(ctx context.Context, in Input, scratchDir string, outPath string) (stage.Ref, error) {
	if !in.AudioRef.Valid() || !in.ImageRef.Valid() {
		return "", stage.InvalidInput("animation requires both an audio and an image artifact")
	}

	quality := c.quality
	if in.Quality != "" {
		quality = in.Quality
	}
	args := c.inferenceArgs(in, quality, scratchDir)
	c.logger.Info().
		Str("audio", in.AudioRef.String()).
		Str("image", in.ImageRef.String()).
		Str("quality", quality).
		Msg("Starting SadTalker animation")

	result, err := c.runner.Run(ctx, c.sadTalkerDir, c.pythonBin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", stage.Classify(ctx.Err(), stage.Animation)
		}
		return "", stage.ModelFailure(err, "sadtalker exited with code %d: %s", result.ExitCode, result.StderrTail())
	}

	video, err := newestMP4(scratchDir)
	if err != nil {
		return "", stage.ModelFailure(err, "sadtalker produced no video in %s", scratchDir)
	}

	if err := os.Rename(video, outPath); err != nil {
		return "", stage.ModelFailure(err, "move rendered video: %v", err)
	}

	ref := stage.Ref(outPath)
	if genErr := stage.VerifyArtifact(ref, stage.Animation); genErr != nil {
		return "", genErr
	}

	c.logger.Info().Str("output", outPath).Msg("SadTalker animation completed")
	return ref, nil
}

// inferenceArgs maps the quality mode onto SadTalker flags. fast trades
// resolution for speed, high adds the gfpgan enhancer.
func (c *SadTalkerClient) inferenceArgs(in Input, quality string, scratchDir string) []string {
	args := []string{
		"inference.py",
		"--driven_audio", in.AudioRef.String(),
		"--source_image", in.ImageRef.String(),
		"--result_dir", scratchDir,
		"--still",
	}
	switch quality {
	case config.QualityFast:
		args = append(args, "--preprocess", "crop", "--size", "256")
	case config.QualityHigh:
		args = append(args, "--preprocess", "full", "--enhancer", "gfpgan")
	default: // balanced
		args = append(args, "--preprocess", "crop", "--size", "512")
	}
	return args
}

// newestMP4 walks dir for the most recently modified .mp4 file.
func newestMP4(dir string) (string, error) {
	var newest string
	var newestMod int64

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".mp4") {
			return nil
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = path
			newestMod = mod
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if newest == "" {
		return "", os.ErrNotExist
	}
	return newest, nil
}
