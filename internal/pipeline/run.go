package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/avatarforge/avatar-gateway/internal/observability"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// State is the coarse position of a run in the pipeline.
type State int

const (
	StatePending State = iota
	StateAudioRunning
	StateAudioDone
	StateImageRunning
	StateImageDone
	StateAnimationRunning
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StatePending:          "PENDING",
	StateAudioRunning:     "AUDIO_RUNNING",
	StateAudioDone:        "AUDIO_DONE",
	StateImageRunning:     "IMAGE_RUNNING",
	StateImageDone:        "IMAGE_DONE",
	StateAnimationRunning: "ANIMATION_RUNNING",
	StateCompleted:        "COMPLETED",
	StateFailed:           "FAILED",
}

func (s State) String() string { return stateNames[s] }

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// StageTiming records when one stage ran.
type StageTiming struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Run is one invocation of the pipeline for one text input. All mutation
// happens through the orchestrator; every field behind mu.
type Run struct {
	id        string
	text      string
	createdAt time.Time

	mu        sync.RWMutex
	state     State
	timings   map[stage.Name]*StageTiming
	audioRef  stage.Ref
	imageRef  stage.Ref
	videoRef  stage.Ref
	genErr    *stage.GenerationError
	cancelled bool

	cancel  context.CancelFunc
	done    chan struct{}
	metrics *observability.RunMetrics
}

func newRun(id, text string) *Run {
	return &Run{
		id:        id,
		text:      text,
		createdAt: time.Now(),
		state:     StatePending,
		timings:   make(map[stage.Name]*StageTiming),
		done:      make(chan struct{}),
		metrics:   observability.NewRunMetrics(id),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// State returns the current coarse state.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// advance moves the coarse state forward. Audio and image may execute
// concurrently, so out-of-order completions are collapsed by never moving
// the state backwards, and nothing moves past a terminal state.
func (r *Run) advance(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() || to <= r.state {
		return
	}
	r.state = to
}

func (r *Run) markStageStart(st stage.Name) {
	r.mu.Lock()
	r.timings[st] = &StageTiming{StartedAt: time.Now()}
	r.mu.Unlock()
	r.metrics.RecordStageStart(string(st))
}

func (r *Run) markStageEnd(st stage.Name, success bool) {
	r.mu.Lock()
	if t, ok := r.timings[st]; ok {
		t.FinishedAt = time.Now()
	}
	r.mu.Unlock()
	r.metrics.RecordStageEnd(string(st), success)
}

func (r *Run) setRef(st stage.Name, ref stage.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch st {
	case stage.Audio:
		r.audioRef = ref
	case stage.Image:
		r.imageRef = ref
	case stage.Animation:
		r.videoRef = ref
	}
}

func (r *Run) refs() (audio, image stage.Ref) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.audioRef, r.imageRef
}

// markTerminal transitions to a terminal state exactly once and reports
// whether this call won the transition.
func (r *Run) markTerminal(to State, genErr *stage.GenerationError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = to
	r.genErr = genErr
	return true
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Err returns the terminal error, if any.
func (r *Run) Err() *stage.GenerationError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.genErr
}

// Result is the artifact pair a completed run delivers.
type Result struct {
	RunID     string `json:"run_id"`
	AudioPath string `json:"audio_path"`
	VideoPath string `json:"video_path"`
}

// Snapshot is an immutable, serializable view of a run, used by the runs
// API and the snapshot store.
type Snapshot struct {
	RunID     string                 `json:"run_id"`
	Text      string                 `json:"text"`
	State     string                 `json:"state"`
	CreatedAt time.Time              `json:"created_at"`
	Stages    map[string]StageTiming `json:"stages,omitempty"`
	AudioPath string                 `json:"audio_path,omitempty"`
	ImagePath string                 `json:"image_path,omitempty"`
	VideoPath string                 `json:"video_path,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	ErrorMsg  string                 `json:"error_message,omitempty"`
	Cancelled bool                   `json:"cancelled,omitempty"`
}

// Snapshot captures the run's current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		RunID:     r.id,
		Text:      r.text,
		State:     r.state.String(),
		CreatedAt: r.createdAt,
		AudioPath: r.audioRef.String(),
		ImagePath: r.imageRef.String(),
		VideoPath: r.videoRef.String(),
		Cancelled: r.cancelled,
	}
	if len(r.timings) > 0 {
		snap.Stages = make(map[string]StageTiming, len(r.timings))
		for st, t := range r.timings {
			snap.Stages[string(st)] = *t
		}
	}
	if r.genErr != nil {
		snap.ErrorKind = string(r.genErr.Kind)
		snap.ErrorMsg = r.genErr.Message
	}
	return snap
}
