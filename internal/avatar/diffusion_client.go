package avatar

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// DiffusionClient renders the avatar portrait by running the bundled
// Stable Diffusion python script as a subprocess.
type DiffusionClient struct {
	pythonBin  string
	scriptPath string
	enricher   *Enricher
	runner     stage.CommandRunner
	logger     zerolog.Logger
}

// NewDiffusionClient creates a subprocess-backed generator. enricher may be
// nil, in which case the raw style descriptor is used as the prompt.
func NewDiffusionClient(cfg *config.Config, enricher *Enricher, logger zerolog.Logger) *DiffusionClient {
	return &DiffusionClient{
		pythonBin:  cfg.PythonBin,
		scriptPath: filepath.Join(cfg.ScriptsDir, "generate_avatar.py"),
		enricher:   enricher,
		runner:     &stage.ExecRunner{},
		logger:     logger,
	}
}

// Generate runs the diffusion script and verifies its output artifact.
func (c *DiffusionClient) Generate(ctx context.Context, req Request, outPath string) (stage.Ref, error) {
	if strings.TrimSpace(req.Style) == "" {
		return "", stage.InvalidInput("avatar style must not be empty")
	}

	prompt := c.prompt(ctx, req.Style)
	c.logger.Info().Str("prompt", prompt).Str("output", outPath).Msg("Starting diffusion generation")

	result, err := c.runner.Run(ctx, "", c.pythonBin, c.scriptPath,
		"--prompt", prompt,
		"--seed", strconv.FormatInt(req.Seed, 10),
		"--output", outPath,
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", stage.Classify(ctx.Err(), stage.Image)
		}
		return "", stage.ModelFailure(err, "diffusion exited with code %d: %s", result.ExitCode, result.StderrTail())
	}

	ref := stage.Ref(outPath)
	if genErr := stage.VerifyArtifact(ref, stage.Image); genErr != nil {
		return "", genErr
	}

	c.logger.Info().Str("output", outPath).Msg("Diffusion generation completed")
	return ref, nil
}

// prompt optionally expands the style descriptor through Gemini. Enrichment
// is best-effort: any failure falls back to the raw descriptor.
func (c *DiffusionClient) prompt(ctx context.Context, style string) string {
	if c.enricher == nil {
		return style
	}
	enriched, err := c.enricher.Enrich(ctx, style)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Prompt enrichment failed, using raw style")
		return style
	}
	return enriched
}
