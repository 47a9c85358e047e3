package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/avatarforge/avatar-gateway/internal/animation"
	"github.com/avatarforge/avatar-gateway/internal/artifact"
	"github.com/avatarforge/avatar-gateway/internal/avatar"
	"github.com/avatarforge/avatar-gateway/internal/progress"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

type fakeAudio struct {
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (f *fakeAudio) Synthesize(ctx context.Context, text string, outPath string) (stage.Ref, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return stage.Ref(outPath), nil
}

type fakeAvatar struct {
	delay   time.Duration
	err     error
	calls   atomic.Int32
	lastReq atomic.Value
}

func (f *fakeAvatar) Generate(ctx context.Context, req avatar.Request, outPath string) (stage.Ref, error) {
	f.calls.Add(1)
	f.lastReq.Store(req)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return stage.Ref(outPath), nil
}

type fakeAnimator struct {
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (f *fakeAnimator) Animate(ctx context.Context, in animation.Input, scratchDir string, outPath string) (stage.Ref, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return stage.Ref(outPath), nil
}

// recordingStore captures the context state seen at Save time so tests can
// verify persistence is not tied to an already-cancelled run context.
type recordingStore struct {
	mu         sync.Mutex
	saveCtxErr error
	snaps      map[string]Snapshot
}

func newRecordingStore() *recordingStore {
	return &recordingStore{snaps: make(map[string]Snapshot)}
}

func (s *recordingStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCtxErr = ctx.Err()
	if s.saveCtxErr != nil {
		return s.saveCtxErr
	}
	s.snaps[snap.RunID] = snap
	return nil
}

func (s *recordingStore) Get(_ context.Context, runID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[runID]
	return snap, ok, nil
}

func newTestOrchestrator(t *testing.T, stages Stages) *Orchestrator {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(stages, store, progress.NewHub(), nil, Options{
		AudioTimeout:     2 * time.Second,
		ImageTimeout:     2 * time.Second,
		AnimationTimeout: 2 * time.Second,
		Retention:        time.Hour,
		DefaultStyle:     "professional portrait",
		DefaultSeed:      42,
		Quality:          "balanced",
	})
}

// launchGated registers and executes a run with a subscriber attached ahead
// of the first event, so tests can observe the full event sequence. The
// public Start path offers no replay, so a subscriber attached after Start
// may legitimately miss early events.
func launchGated(o *Orchestrator, req StartRequest) (string, <-chan progress.Event, func()) {
	run := newRun("run-"+uuid.New().String(), req.Text)
	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	o.mu.Lock()
	o.runs[run.id] = run
	o.mu.Unlock()
	ch, stop := o.hub.Subscribe(run.id)
	go o.execute(ctx, run, req)
	return run.id, ch, stop
}

func collectEvents(ch <-chan progress.Event, terminal func(progress.Event) bool) []progress.Event {
	var events []progress.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
			if terminal(ev) {
				return events
			}
		case <-deadline:
			return events
		}
	}
}

func TestOrchestrator_SuccessfulRun(t *testing.T) {
	audio := &fakeAudio{}
	av := &fakeAvatar{}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	runID, ch, cancel := launchGated(orch, StartRequest{Text: "hello world"})
	defer cancel()

	result, err := orch.AwaitResult(context.Background(), runID)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if result.AudioPath == "" || result.VideoPath == "" {
		t.Errorf("Expected artifact paths, got %+v", result)
	}

	events := collectEvents(ch, func(ev progress.Event) bool {
		return ev.Stage == "animation" && ev.Status == progress.StatusSucceeded
	})

	seen := make(map[string]int)
	for i, ev := range events {
		if ev.RunID != runID {
			t.Errorf("Event %d has run_id %s, want %s", i, ev.RunID, runID)
		}
		seen[ev.Stage+"/"+ev.Status] = i
	}
	for _, key := range []string{
		"audio/started", "audio/succeeded",
		"image/started", "image/succeeded",
		"animation/started", "animation/succeeded",
	} {
		if _, ok := seen[key]; !ok {
			t.Errorf("Missing event %s in %v", key, events)
		}
	}
	if seen["audio/succeeded"] > seen["animation/started"] || seen["image/succeeded"] > seen["animation/started"] {
		t.Errorf("Animation started before upstream stages finished: %v", events)
	}

	if got := orch.mustRun(t, runID).State(); got != StateCompleted {
		t.Errorf("State = %v, want COMPLETED", got)
	}
}

func (o *Orchestrator) mustRun(t *testing.T, runID string) *Run {
	t.Helper()
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[runID]
	if !ok {
		t.Fatalf("Run %s not in registry", runID)
	}
	return run
}

func TestOrchestrator_EmptyTextRejected(t *testing.T) {
	audio := &fakeAudio{}
	av := &fakeAvatar{}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	_, err := orch.Start(context.Background(), StartRequest{Text: "   "})
	genErr, ok := stage.AsGenerationError(err)
	if !ok || genErr.Kind != stage.KindInvalidInput {
		t.Fatalf("Expected INVALID_INPUT, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if audio.calls.Load() != 0 || av.calls.Load() != 0 || anim.calls.Load() != 0 {
		t.Error("No stage should run for a rejected request")
	}
}

func TestOrchestrator_AudioFailureFailsRun(t *testing.T) {
	audio := &fakeAudio{err: stage.ModelFailure(errors.New("boom"), "tts engine crashed")}
	av := &fakeAvatar{delay: 50 * time.Millisecond}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	runID, ch, cancel := launchGated(orch, StartRequest{Text: "hello"})
	defer cancel()

	_, err := orch.AwaitResult(context.Background(), runID)
	genErr, ok := stage.AsGenerationError(err)
	if !ok || genErr.Kind != stage.KindModelFailure {
		t.Fatalf("Expected MODEL_FAILURE, got %v", err)
	}

	events := collectEvents(ch, func(ev progress.Event) bool {
		return ev.Status == progress.StatusFailed
	})
	var failed, animEvents int
	for _, ev := range events {
		if ev.Status == progress.StatusFailed {
			failed++
		}
		if ev.Stage == "animation" {
			animEvents++
		}
	}
	if failed != 1 {
		t.Errorf("Expected exactly one failed event, got %d in %v", failed, events)
	}
	if animEvents != 0 {
		t.Errorf("Animation events emitted after upstream failure: %v", events)
	}
	if anim.calls.Load() != 0 {
		t.Error("Animation should not run after audio failure")
	}
	if got := orch.mustRun(t, runID).State(); got != StateFailed {
		t.Errorf("State = %v, want FAILED", got)
	}
}

func TestOrchestrator_AnimationTimeout(t *testing.T) {
	audio := &fakeAudio{}
	av := &fakeAvatar{}
	anim := &fakeAnimator{delay: 5 * time.Second}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})
	orch.opts.AnimationTimeout = 50 * time.Millisecond

	runID, err := orch.Start(context.Background(), StartRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = orch.AwaitResult(context.Background(), runID)
	genErr, ok := stage.AsGenerationError(err)
	if !ok || genErr.Kind != stage.KindTimeout {
		t.Fatalf("Expected TIMEOUT, got %v", err)
	}
	if got := orch.mustRun(t, runID).State(); got != StateFailed {
		t.Errorf("State = %v, want FAILED", got)
	}
}

func TestOrchestrator_ConcurrentRunsIsolated(t *testing.T) {
	audio := &fakeAudio{delay: 10 * time.Millisecond}
	av := &fakeAvatar{delay: 10 * time.Millisecond}
	anim := &fakeAnimator{delay: 10 * time.Millisecond}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	id1, ch1, cancel1 := launchGated(orch, StartRequest{Text: "first"})
	defer cancel1()
	id2, err := orch.Start(context.Background(), StartRequest{Text: "second"})
	if err != nil {
		t.Fatalf("Start 2: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("Run IDs collide: %s", id1)
	}

	if _, err := orch.AwaitResult(context.Background(), id1); err != nil {
		t.Fatalf("AwaitResult 1: %v", err)
	}
	if _, err := orch.AwaitResult(context.Background(), id2); err != nil {
		t.Fatalf("AwaitResult 2: %v", err)
	}

	events := collectEvents(ch1, func(ev progress.Event) bool {
		return ev.Stage == "animation" && ev.Status == progress.StatusSucceeded
	})
	for _, ev := range events {
		if ev.RunID != id1 {
			t.Errorf("Subscriber for %s received event for %s", id1, ev.RunID)
		}
	}
}

func TestOrchestrator_SlowSubscriberDoesNotStall(t *testing.T) {
	audio := &fakeAudio{}
	av := &fakeAvatar{}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	runID, err := orch.Start(context.Background(), StartRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Subscribe and never read; the hub must drop this subscriber rather
	// than block the pipeline.
	_, cancel := orch.Subscribe(runID)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelCtx()
	if _, err := orch.AwaitResult(ctx, runID); err != nil {
		t.Fatalf("AwaitResult stalled by slow subscriber: %v", err)
	}
}

func TestOrchestrator_CancelFailsRun(t *testing.T) {
	audio := &fakeAudio{delay: 5 * time.Second}
	av := &fakeAvatar{delay: 5 * time.Second}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	runID, err := orch.Start(context.Background(), StartRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err = orch.AwaitResult(context.Background(), runID)
	if _, ok := stage.AsGenerationError(err); !ok {
		t.Fatalf("Expected a generation error after cancel, got %v", err)
	}
	if got := orch.mustRun(t, runID).State(); got != StateFailed {
		t.Errorf("State = %v, want FAILED", got)
	}
	if !orch.mustRun(t, runID).Snapshot().Cancelled {
		t.Error("Snapshot should record cancellation")
	}
	if anim.calls.Load() != 0 {
		t.Error("Animation should not run after cancel")
	}
}

func TestOrchestrator_CancelledRunSnapshotStillPersisted(t *testing.T) {
	audio := &fakeAudio{delay: 5 * time.Second}
	av := &fakeAvatar{delay: 5 * time.Second}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})
	snaps := newRecordingStore()
	orch.snapshots = snaps

	runID, err := orch.Start(context.Background(), StartRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := orch.AwaitResult(context.Background(), runID); err == nil {
		t.Fatal("Expected cancelled run to fail")
	}

	snaps.mu.Lock()
	saveCtxErr := snaps.saveCtxErr
	snaps.mu.Unlock()
	if saveCtxErr != nil {
		t.Fatalf("Snapshot saved with a dead context: %v", saveCtxErr)
	}

	snap, ok, err := snaps.Get(context.Background(), runID)
	if err != nil || !ok {
		t.Fatalf("Expected persisted snapshot for cancelled run, ok=%v err=%v", ok, err)
	}
	if snap.State != StateFailed.String() || !snap.Cancelled {
		t.Errorf("Snapshot = %+v, want FAILED and cancelled", snap)
	}
}

func TestOrchestrator_AwaitUnknownRun(t *testing.T) {
	orch := newTestOrchestrator(t, Stages{Audio: &fakeAudio{}, Avatar: &fakeAvatar{}, Animation: &fakeAnimator{}})
	_, err := orch.AwaitResult(context.Background(), "run-missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestOrchestrator_StyleAndSeedOverrides(t *testing.T) {
	audio := &fakeAudio{}
	av := &fakeAvatar{}
	anim := &fakeAnimator{}
	orch := newTestOrchestrator(t, Stages{Audio: audio, Avatar: av, Animation: anim})

	seed := int64(7)
	runID, err := orch.Start(context.Background(), StartRequest{Text: "hi", Style: "watercolor", Seed: &seed})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := orch.AwaitResult(context.Background(), runID); err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}

	req, _ := av.lastReq.Load().(avatar.Request)
	if req.Style != "watercolor" || req.Seed != 7 {
		t.Errorf("Avatar request = %+v, want style watercolor seed 7", req)
	}
}
