package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/observability"
	"github.com/avatarforge/avatar-gateway/internal/pipeline"
	"github.com/avatarforge/avatar-gateway/internal/progress"
	"github.com/avatarforge/avatar-gateway/internal/stage"
)

// Pipeline is the orchestrator surface the gateway depends on.
type Pipeline interface {
	Start(ctx context.Context, req pipeline.StartRequest) (string, error)
	AwaitResult(ctx context.Context, runID string) (*pipeline.Result, error)
	Subscribe(runID string) (<-chan progress.Event, func())
	Snapshot(ctx context.Context, runID string) (pipeline.Snapshot, error)
	Cancel(runID string) error
}

// Server holds the HTTP handlers for the generation API.
type Server struct {
	pipeline Pipeline
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer creates the gateway handler set.
func NewServer(p Pipeline) *Server {
	return &Server{
		pipeline: p,
		validate: validator.New(),
		logger:   observability.GetLogger().With().Str("component", "gateway").Logger(),
	}
}

type generateRequest struct {
	Text    string `json:"text" validate:"required,max=5000"`
	Style   string `json:"style,omitempty" validate:"omitempty,max=500"`
	Seed    *int64 `json:"seed,omitempty"`
	Quality string `json:"quality,omitempty" validate:"omitempty,oneof=fast balanced high"`
}

type generateAccepted struct {
	RunID string `json:"run_id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// HandleGenerateVideo accepts a generation request. By default it responds
// 202 with the run ID immediately; with ?wait=1 it blocks until the run
// settles and returns the artifact paths.
func (s *Server) HandleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cid := r.Header.Get("X-Correlation-ID")
	if cid == "" {
		cid = observability.NewCorrelationID()
	}
	w.Header().Set("X-Correlation-ID", cid)
	log := observability.WithCorrelationID(cid)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT", Detail: "malformed JSON body"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT", Detail: err.Error()})
		return
	}

	runID, err := s.pipeline.Start(r.Context(), pipeline.StartRequest{
		Text:    req.Text,
		Style:   req.Style,
		Seed:    req.Seed,
		Quality: req.Quality,
	})
	if err != nil {
		s.writeGenerationError(w, log, err)
		return
	}
	log.Info().Str("run_id", runID).Bool("wait", waitRequested(r)).Msg("Generation request accepted")

	if !waitRequested(r) {
		writeJSON(w, http.StatusAccepted, generateAccepted{RunID: runID})
		return
	}

	result, err := s.pipeline.AwaitResult(r.Context(), runID)
	if err != nil {
		s.writeGenerationError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleRuns serves GET /runs/{id} for snapshots and DELETE /runs/{id} for
// best-effort cancellation.
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap, err := s.pipeline.Snapshot(r.Context(), runID)
		if errors.Is(err, pipeline.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Detail: "unknown run " + runID})
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", runID).Msg("Snapshot lookup failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "INTERNAL", Detail: "snapshot lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		err := s.pipeline.Cancel(runID)
		if errors.Is(err, pipeline.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Detail: "unknown run " + runID})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "INTERNAL", Detail: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleIndex serves the service banner.
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "avatar-gateway",
		"message": "POST /generate-video to create a talking avatar video",
	})
}

func (s *Server) writeGenerationError(w http.ResponseWriter, log zerolog.Logger, err error) {
	genErr, ok := stage.AsGenerationError(err)
	if !ok {
		log.Error().Err(err).Msg("Unclassified pipeline error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "INTERNAL", Detail: "unexpected error"})
		return
	}

	status := http.StatusBadGateway
	if genErr.Kind == stage.KindInvalidInput {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: string(genErr.Kind), Detail: genErr.Message})
}

func waitRequested(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("wait")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
