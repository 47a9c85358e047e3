package animation

import (
	"context"

	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// Input carries the two upstream artifacts the animation stage consumes.
// Both references must be valid before a synthesizer is invoked.
type Input struct {
	AudioRef stage.Ref
	ImageRef stage.Ref

	// Quality overrides the synthesizer's configured quality mode when
	// non-empty.
	Quality string
}

// Synthesizer animates the avatar image with the driven audio and produces
// a video artifact at outPath. Any underlying failure is reported as a
// stage.GenerationError.
type Synthesizer interface {
	Animate(ctx context.Context, in Input, scratchDir string, outPath string) (stage.Ref, error)
}
