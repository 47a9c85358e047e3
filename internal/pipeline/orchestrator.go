package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avatarforge/avatar-gateway/internal/animation"
	"github.com/avatarforge/avatar-gateway/internal/artifact"
	"github.com/avatarforge/avatar-gateway/internal/avatar"
	"github.com/avatarforge/avatar-gateway/internal/observability"
	"github.com/avatarforge/avatar-gateway/internal/progress"
	"github.com/avatarforge/avatar-gateway/internal/stage"
	"github.com/avatarforge/avatar-gateway/internal/tts"
)

// ErrRunNotFound is returned for run IDs the orchestrator does not know,
// either because they never existed or because retention already swept them.
var ErrRunNotFound = errors.New("run not found")

// SnapshotStore persists terminal run snapshots so the runs API can answer
// after the in-memory registry entry is retired.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, runID string) (Snapshot, bool, error)
}

// Stages bundles the three generation adapters.
type Stages struct {
	Audio     tts.Synthesizer
	Avatar    avatar.Generator
	Animation animation.Synthesizer
}

// Options tunes per-stage deadlines and run retention.
type Options struct {
	AudioTimeout     time.Duration
	ImageTimeout     time.Duration
	AnimationTimeout time.Duration
	Retention        time.Duration

	DefaultStyle string
	DefaultSeed  int64
	Quality      string
}

// StartRequest carries the inputs for one run. Only Text is required.
type StartRequest struct {
	Text    string
	Style   string
	Seed    *int64
	Quality string
}

// Orchestrator drives each run through audio, image and animation, owns the
// run registry, and is the single writer of terminal progress events.
type Orchestrator struct {
	stages    Stages
	artifacts *artifact.Store
	hub       *progress.Hub
	snapshots SnapshotStore
	opts      Options

	mu   sync.RWMutex
	runs map[string]*Run
}

// New wires an orchestrator. snapshots may be nil, in which case swept runs
// are simply forgotten.
func New(stages Stages, artifacts *artifact.Store, hub *progress.Hub, snapshots SnapshotStore, opts Options) *Orchestrator {
	return &Orchestrator{
		stages:    stages,
		artifacts: artifacts,
		hub:       hub,
		snapshots: snapshots,
		opts:      opts,
		runs:      make(map[string]*Run),
	}
}

// Start validates the request, registers a new run and launches it in the
// background. It never blocks on generation work.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", stage.InvalidInput("text must be non-empty")
	}

	runID := "run-" + uuid.New().String()
	run := newRun(runID, req.Text)

	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel

	o.mu.Lock()
	o.runs[runID] = run
	o.mu.Unlock()

	run.metrics.RecordRunStart()
	logger := observability.WithRunID(runID)
	logger.Info().Int("text_len", len(req.Text)).Msg("Run accepted")

	go o.execute(runCtx, run, req)
	return runID, nil
}

// AwaitResult blocks until the run reaches a terminal state or ctx expires.
// A completed run yields its artifact paths; a failed run yields its
// GenerationError.
func (o *Orchestrator) AwaitResult(ctx context.Context, runID string) (*Result, error) {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return o.resultFromSnapshot(ctx, runID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-run.Done():
	}

	if genErr := run.Err(); genErr != nil {
		return nil, genErr
	}
	snap := run.Snapshot()
	return &Result{RunID: runID, AudioPath: snap.AudioPath, VideoPath: snap.VideoPath}, nil
}

// Subscribe attaches a progress listener for the run. Events published
// before the call are not replayed.
func (o *Orchestrator) Subscribe(runID string) (<-chan progress.Event, func()) {
	return o.hub.Subscribe(runID)
}

// Snapshot returns the current view of a run, falling back to the snapshot
// store for retired runs.
func (o *Orchestrator) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if ok {
		return run.Snapshot(), nil
	}
	if o.snapshots != nil {
		snap, found, err := o.snapshots.Get(ctx, runID)
		if err != nil {
			return Snapshot{}, err
		}
		if found {
			return snap, nil
		}
	}
	return Snapshot{}, ErrRunNotFound
}

// Cancel requests best-effort cancellation of an in-flight run. The run
// settles as FAILED once its stages observe the cancellation.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	if run.State().Terminal() {
		return nil
	}
	run.markCancelled()
	run.cancel()
	logger := observability.WithRunID(runID)
	logger.Info().Msg("Run cancellation requested")
	return nil
}

func (o *Orchestrator) resultFromSnapshot(ctx context.Context, runID string) (*Result, error) {
	if o.snapshots == nil {
		return nil, ErrRunNotFound
	}
	snap, found, err := o.snapshots.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRunNotFound
	}
	if snap.ErrorKind != "" {
		return nil, &stage.GenerationError{Kind: stage.ErrorKind(snap.ErrorKind), Message: snap.ErrorMsg}
	}
	return &Result{RunID: runID, AudioPath: snap.AudioPath, VideoPath: snap.VideoPath}, nil
}

// stageFailure pins a classified error to the stage that produced it so the
// terminal event can name the failing stage.
type stageFailure struct {
	stage  stage.Name
	genErr *stage.GenerationError
}

func (f *stageFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.stage, f.genErr.Error())
}

// execute runs the full pipeline for one run. Audio and image generation run
// concurrently; animation starts only after both artifacts exist.
func (o *Orchestrator) execute(ctx context.Context, run *Run, req StartRequest) {
	defer run.cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runAudio(gctx, run) })
	g.Go(func() error { return o.runImage(gctx, run, req) })

	if err := g.Wait(); err != nil {
		o.settleFailed(ctx, run, err)
		return
	}

	audioRef, imageRef := run.refs()
	if !audioRef.Valid() || !imageRef.Valid() {
		o.settleFailed(ctx, run, &stageFailure{
			stage:  stage.Animation,
			genErr: stage.ModelFailure(nil, "missing upstream artifact for animation"),
		})
		return
	}

	if err := o.runAnimation(ctx, run, req, audioRef, imageRef); err != nil {
		o.settleFailed(ctx, run, err)
		return
	}
	o.settleCompleted(ctx, run)
}

func (o *Orchestrator) runAudio(ctx context.Context, run *Run) error {
	run.advance(StateAudioRunning)
	run.markStageStart(stage.Audio)
	o.publish(run, stage.Audio, progress.StatusStarted, "")

	sctx, cancel := context.WithTimeout(ctx, o.opts.AudioTimeout)
	defer cancel()

	ref, err := o.stages.Audio.Synthesize(sctx, run.text, o.artifacts.Path(run.id, stage.Audio).String())
	if err != nil {
		run.markStageEnd(stage.Audio, false)
		return &stageFailure{stage: stage.Audio, genErr: stage.Classify(err, stage.Audio)}
	}

	run.setRef(stage.Audio, ref)
	run.markStageEnd(stage.Audio, true)
	run.advance(StateAudioDone)
	o.publish(run, stage.Audio, progress.StatusSucceeded, ref.String())
	return nil
}

func (o *Orchestrator) runImage(ctx context.Context, run *Run, req StartRequest) error {
	run.advance(StateImageRunning)
	run.markStageStart(stage.Image)
	o.publish(run, stage.Image, progress.StatusStarted, "")

	sctx, cancel := context.WithTimeout(ctx, o.opts.ImageTimeout)
	defer cancel()

	avatarReq := avatar.Request{Style: o.opts.DefaultStyle, Seed: o.opts.DefaultSeed}
	if req.Style != "" {
		avatarReq.Style = req.Style
	}
	if req.Seed != nil {
		avatarReq.Seed = *req.Seed
	}

	ref, err := o.stages.Avatar.Generate(sctx, avatarReq, o.artifacts.Path(run.id, stage.Image).String())
	if err != nil {
		run.markStageEnd(stage.Image, false)
		return &stageFailure{stage: stage.Image, genErr: stage.Classify(err, stage.Image)}
	}

	run.setRef(stage.Image, ref)
	run.markStageEnd(stage.Image, true)
	run.advance(StateImageDone)
	o.publish(run, stage.Image, progress.StatusSucceeded, ref.String())
	return nil
}

func (o *Orchestrator) runAnimation(ctx context.Context, run *Run, req StartRequest, audioRef, imageRef stage.Ref) error {
	run.advance(StateAnimationRunning)
	run.markStageStart(stage.Animation)
	o.publish(run, stage.Animation, progress.StatusStarted, "")

	sctx, cancel := context.WithTimeout(ctx, o.opts.AnimationTimeout)
	defer cancel()

	quality := o.opts.Quality
	if req.Quality != "" {
		quality = req.Quality
	}
	in := animation.Input{AudioRef: audioRef, ImageRef: imageRef, Quality: quality}
	scratch, err := o.artifacts.ScratchDir(run.id, stage.Animation)
	if err != nil {
		run.markStageEnd(stage.Animation, false)
		return &stageFailure{stage: stage.Animation, genErr: stage.ModelFailure(err, "creating animation workspace")}
	}

	ref, err := o.stages.Animation.Animate(sctx, in, scratch, o.artifacts.Path(run.id, stage.Animation).String())
	if err != nil {
		run.markStageEnd(stage.Animation, false)
		return &stageFailure{stage: stage.Animation, genErr: stage.Classify(err, stage.Animation)}
	}

	run.setRef(stage.Animation, ref)
	run.markStageEnd(stage.Animation, true)
	return nil
}

// settleCompleted finalizes a successful run. The animation succeeded event
// doubles as the run's single terminal event.
func (o *Orchestrator) settleCompleted(ctx context.Context, run *Run) {
	if !run.markTerminal(StateCompleted, nil) {
		return
	}
	run.metrics.RecordRunEnd(true)
	snap := run.Snapshot()
	o.publish(run, stage.Animation, progress.StatusSucceeded, snap.VideoPath)
	logger := observability.WithRunID(run.id)
	logger.Info().Str("video", snap.VideoPath).Msg("Run completed")
	o.retire(ctx, run, snap)
	close(run.done)
}

// settleFailed finalizes a failed run with exactly one terminal failed
// event. Errors from abandoned sibling stages never reach here; errgroup
// surfaces only the first failure.
func (o *Orchestrator) settleFailed(ctx context.Context, run *Run, err error) {
	failedStage := stage.Animation
	genErr, _ := stage.AsGenerationError(err)
	var sf *stageFailure
	if errors.As(err, &sf) {
		failedStage = sf.stage
		genErr = sf.genErr
	}
	if genErr == nil {
		genErr = stage.ModelFailure(err, "pipeline failure")
	}

	if !run.markTerminal(StateFailed, genErr) {
		return
	}
	run.metrics.RecordRunEnd(false)
	run.metrics.RecordError(string(genErr.Kind), string(failedStage))
	o.publish(run, failedStage, progress.StatusFailed, genErr.Error())
	logger := observability.WithRunID(run.id)
	logger.Error().
		Str("stage", string(failedStage)).
		Str("kind", string(genErr.Kind)).
		Msg(genErr.Message)
	o.retire(ctx, run, run.Snapshot())
	close(run.done)
}

// retire persists the terminal snapshot and schedules removal of the run
// from the registry after the retention window.
func (o *Orchestrator) retire(ctx context.Context, run *Run, snap Snapshot) {
	if o.snapshots != nil {
		// A cancelled run settles with its own context already dead, and the
		// snapshot must still be persisted, so detach before saving.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.snapshots.Save(saveCtx, snap); err != nil {
			logger := observability.WithRunID(run.id)
			logger.Warn().Err(err).Msg("Failed to persist run snapshot")
		}
	}
	retention := o.opts.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	time.AfterFunc(retention, func() {
		o.mu.Lock()
		delete(o.runs, run.id)
		o.mu.Unlock()
		o.hub.CloseRun(run.id)
	})
}

func (o *Orchestrator) publish(run *Run, st stage.Name, status string, detail string) {
	o.hub.Publish(progress.Event{
		RunID:  run.id,
		Stage:  string(st),
		Status: status,
		Detail: detail,
	})
}
