package avatar

import (
	"context"

	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// Request describes the avatar to render.
type Request struct {
	Style string // Prompt-style descriptor of the desired avatar
	Seed  int64  // Seed for reproducible generation
}

// Generator renders an avatar portrait into an image artifact at outPath.
// Exactly one image file exists at the returned reference on success; any
// underlying failure is reported as a stage.GenerationError.
type Generator interface {
	Generate(ctx context.Context, req Request, outPath string) (stage.Ref, error)
}
