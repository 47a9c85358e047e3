package artifact

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper removes old artifacts on a schedule, keeping the most recent keep
// entries per stage directory. Partial artifacts from failed runs stay on
// disk until the sweeper ages them out, so they remain inspectable.
type Sweeper struct {
	store  *Store
	keep   int
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewSweeper creates a sweeper for the store.
func NewSweeper(store *Store, keep int, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		keep:   keep,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the schedule and begins sweeping. An initial sweep runs
// immediately, matching the old behavior of cleaning up on boot.
func (s *Sweeper) Start(schedule string) error {
	s.Sweep()
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep removes everything beyond the keep newest entries in each stage
// directory. Entries may be files or per-run scratch directories.
func (s *Sweeper) Sweep() {
	for st := range stageExt {
		if err := s.sweepDir(s.store.StageDir(st)); err != nil {
			s.logger.Warn().Err(err).Str("stage", string(st)).Msg("Artifact sweep failed")
		}
	}
}

func (s *Sweeper) sweepDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) <= s.keep {
		return nil
	}

	type item struct {
		path    string
		modTime int64
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{
			path:    filepath.Join(dir, e.Name()),
			modTime: info.ModTime().UnixNano(),
		})
	}

	if len(items) <= s.keep {
		return nil
	}

	// Newest first
	sort.Slice(items, func(i, j int) bool { return items[i].modTime > items[j].modTime })

	for _, it := range items[s.keep:] {
		if err := os.RemoveAll(it.path); err != nil {
			s.logger.Warn().Err(err).Str("path", it.path).Msg("Could not remove old artifact")
			continue
		}
		s.logger.Debug().Str("path", it.path).Msg("Removed old artifact")
	}
	return nil
}
