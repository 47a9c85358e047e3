package tts

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// GTTSClient synthesizes speech by running the bundled gTTS python script
// as a subprocess. The script takes --text and --output and writes a wav.
type GTTSClient struct {
	pythonBin  string
	scriptPath string
	runner     stage.CommandRunner
	logger     zerolog.Logger
}

// NewGTTSClient creates a subprocess-backed synthesizer.
func NewGTTSClient(cfg *config.Config, logger zerolog.Logger) *GTTSClient {
	return &GTTSClient{
		pythonBin:  cfg.PythonBin,
		scriptPath: filepath.Join(cfg.ScriptsDir, "generate_audio_gtts.py"),
		runner:     &stage.ExecRunner{},
		logger:     logger,
	}
}

// Synthesize runs the script and verifies the artifact it claims to have
// written.
func (c *GTTSClient) Synthesize(ctx context.Context, text string, outPath string) (stage.Ref, error) {
	if strings.TrimSpace(text) == "" {
		return "", stage.InvalidInput("text must not be empty")
	}

	c.logger.Info().Str("output", outPath).Msg("Starting gTTS synthesis")

	result, err := c.runner.Run(ctx, "", c.pythonBin, c.scriptPath,
		"--text", text,
		"--output", outPath,
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", stage.Classify(ctx.Err(), stage.Audio)
		}
		return "", stage.ModelFailure(err, "gtts exited with code %d: %s", result.ExitCode, result.StderrTail())
	}

	ref := stage.Ref(outPath)
	if genErr := stage.VerifyArtifact(ref, stage.Audio); genErr != nil {
		return "", genErr
	}

	c.logger.Info().Str("output", outPath).Msg("gTTS synthesis completed")
	return ref, nil
}
