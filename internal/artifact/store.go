package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// Store maps (run id, stage) pairs to filesystem paths. One directory per
// stage, one file per stage per run, filenames derived from the run id so
// the path is stable for the run's lifetime and never reused across runs.
type Store struct {
	root string
}

// Extensions produced by each stage.
var stageExt = map[stage.Name]string{
	stage.Audio:     "wav",
	stage.Image:     "png",
	stage.Animation: "mp4",
}

// Directory per stage. The animation stage delivers the final video, and
// its artifacts live under video/ accordingly.
var stageDirs = map[stage.Name]string{
	stage.Audio:     "audio",
	stage.Image:     "image",
	stage.Animation: "video",
}

// NewStore creates the stage directories under root.
func NewStore(root string) (*Store, error) {
	for _, dir := range stageDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string { return s.root }

// StageDir returns the directory holding one stage's artifacts.
func (s *Store) StageDir(st stage.Name) string {
	return filepath.Join(s.root, stageDirs[st])
}

// Path produces the artifact path for a run and stage. Run ids are unique,
// so the path is a pure function of its inputs and stable for the run's
// lifetime.
func (s *Store) Path(runID string, st stage.Name) stage.Ref {
	name := fmt.Sprintf("%s.%s", runID, stageExt[st])
	return stage.Ref(filepath.Join(s.StageDir(st), name))
}

// ScratchDir creates and returns a per-run working directory under a stage
// directory. SadTalker writes its own timestamped output tree, so the
// animation adapter gets a private directory to scan afterwards.
func (s *Store) ScratchDir(runID string, st stage.Name) (string, error) {
	dir := filepath.Join(s.StageDir(st), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}
