package tts

import (
	"context"
	"strings"
	"time"

	speakapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speak "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/resilience"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// DeepgramClient synthesizes speech through Deepgram's Speak REST API and
// saves the rendered wav at the artifact path.
type DeepgramClient struct {
	apiKey         string
	model          string
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewDeepgramClient creates a REST-backed synthesizer.
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	return &DeepgramClient{
		apiKey: cfg.DeepgramAPIKey,
		model:  cfg.DeepgramTTSModel,
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
		logger: logger,
	}
}

// Synthesize renders text to a wav file via the Speak API. Transient
// transport failures are retried inside the call; a failed synthesis still
// surfaces as a single stage error to the orchestrator.
func (c *DeepgramClient) Synthesize(ctx context.Context, text string, outPath string) (stage.Ref, error) {
	if strings.TrimSpace(text) == "" {
		return "", stage.InvalidInput("text must not be empty")
	}

	c.logger.Info().Str("model", c.model).Str("output", outPath).Msg("Starting Deepgram synthesis")

	options := &interfaces.SpeakOptions{
		Model:      c.model,
		Encoding:   "linear16",
		Container:  "wav",
		SampleRate: 16000,
	}

	restClient := speak.NewREST(c.apiKey, &interfaces.ClientOptions{})
	dg := speakapi.New(restClient)

	err := c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func() error {
			_, err := dg.ToSave(ctx, outPath, text, options)
			return err
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", stage.Classify(ctx.Err(), stage.Audio)
		}
		return "", stage.ModelFailure(err, "deepgram speak request failed: %v", err)
	}

	ref := stage.Ref(outPath)
	if genErr := stage.VerifyArtifact(ref, stage.Audio); genErr != nil {
		return "", genErr
	}

	c.logger.Info().Str("output", outPath).Msg("Deepgram synthesis completed")
	return ref, nil
}
