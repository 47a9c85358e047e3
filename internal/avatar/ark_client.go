package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"

	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/resilience"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// ArkClient renders the avatar portrait through Volcengine Ark's image
// generation API and downloads the result to the artifact path.
type ArkClient struct {
	client         *arkruntime.Client
	modelID        string
	enricher       *Enricher
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewArkClient creates a REST-backed generator. enricher may be nil.
func NewArkClient(cfg *config.Config, enricher *Enricher, logger zerolog.Logger) *ArkClient {
	return &ArkClient{
		client:     arkruntime.NewClientWithApiKey(cfg.ArkAPIKey),
		modelID:    cfg.ArkModel,
		enricher:   enricher,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		circuitBreaker: resilience.NewCircuitBreaker(
			"ark",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: logger,
	}
}

// Generate requests a single image from Ark and saves it at outPath.
func (c *ArkClient) Generate(ctx context.Context, req Request, outPath string) (stage.Ref, error) {
	if strings.TrimSpace(req.Style) == "" {
		return "", stage.InvalidInput("avatar style must not be empty")
	}

	prompt := req.Style
	if c.enricher != nil {
		if enriched, err := c.enricher.Enrich(ctx, req.Style); err == nil {
			prompt = enriched
		} else {
			c.logger.Warn().Err(err).Msg("Prompt enrichment failed, using raw style")
		}
	}

	c.logger.Info().Str("model", c.modelID).Str("output", outPath).Msg("Starting Ark generation")

	generateReq := model.GenerateImagesRequest{
		Model:          c.modelID,
		Prompt:         prompt,
		Size:           volcengine.String("1K"),
		ResponseFormat: volcengine.String(model.GenerateImagesResponseFormatURL),
		Watermark:      volcengine.Bool(false),
		Seed:           volcengine.Int64(req.Seed),
	}

	var resp model.ImagesResponse
	err := c.circuitBreaker.Call(func() error {
		var callErr error
		resp, callErr = c.client.GenerateImages(ctx, generateReq)
		if callErr != nil {
			return callErr
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", stage.Classify(ctx.Err(), stage.Image)
		}
		// Prompt rejections are the caller's problem, not the model's
		upper := strings.ToUpper(err.Error())
		if strings.Contains(upper, "INVALID") || strings.Contains(upper, "SENSITIVE") {
			return "", stage.InvalidInput("avatar style rejected: %v", err)
		}
		return "", stage.ModelFailure(err, "ark image generation failed: %v", err)
	}

	if len(resp.Data) == 0 || resp.Data[0].Url == nil {
		return "", stage.ModelFailure(nil, "ark returned no image")
	}

	if err := c.download(ctx, *resp.Data[0].Url, outPath); err != nil {
		return "", stage.ModelFailure(err, "download generated image: %v", err)
	}

	ref := stage.Ref(outPath)
	if genErr := stage.VerifyArtifact(ref, stage.Image); genErr != nil {
		return "", genErr
	}

	c.logger.Info().Str("output", outPath).Msg("Ark generation completed")
	return ref, nil
}

// download fetches the generated image URL onto durable storage.
func (c *ArkClient) download(ctx context.Context, url, outPath string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("unexpected status " + resp.Status)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}
