package tts

import (
	"context"

	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// Synthesizer renders text into a speech artifact at outPath. On success
// exactly one audio file exists at the returned reference; any underlying
// failure is reported as a stage.GenerationError.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, outPath string) (stage.Ref, error)
}
