package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/executor"
	"exploit-executor/internal/model"
	"exploit-executor/internal/storage"
)

// CommandPublisher appends commands to the job command stream.
type CommandPublisher interface {
	Publish(ctx context.Context, cmd model.Command) error
}

// ExecutionReader loads persisted executions.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id int64) (*model.Execution, error)
}

// InFlightLister reports running job tasks.
type InFlightLister interface {
	InFlight() []executor.InFlight
}

type Handlers struct {
	commands   CommandPublisher
	executions ExecutionReader
	inflight   InFlightLister
	broker     *Broker
	streamPoll time.Duration
}

func NewHandlers(commands CommandPublisher, executions ExecutionReader, inflight InFlightLister, broker *Broker, streamPoll time.Duration) *Handlers {
	if streamPoll <= 0 {
		streamPoll = 2 * time.Second
	}
	return &Handlers{
		commands:   commands,
		executions: executions,
		inflight:   inflight,
		broker:     broker,
		streamPoll: streamPoll,
	}
}

func (h *Handlers) HandleQueueJob(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, model.ActionQueue)
}

func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, model.ActionCancel)
}

func (h *Handlers) publish(w http.ResponseWriter, r *http.Request, action model.Action) {
	jobID, ok := pathID(w, r)
	if !ok {
		return
	}

	cmd := model.Command{Action: action, JobID: jobID}
	if err := h.commands.Publish(r.Context(), cmd); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Str("action", string(action)).Msg("publishing job command failed")
		writeError(w, "could not publish command", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	log.Info().Int64("job_id", jobID).Str("action", string(action)).Msg("job command published")
	writeJSON(w, http.StatusAccepted, CommandResponse{Action: action, JobID: jobID, Status: "accepted"})
}

func (h *Handlers) HandleInFlight(w http.ResponseWriter, r *http.Request) {
	jobs := h.inflight.InFlight()
	writeJSON(w, http.StatusOK, InFlightResponse{Count: len(jobs), Jobs: jobs})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	exec, err := h.executions.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrExecutionNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("execution_id", id).Msg("loading execution failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

// HandleStreamExecution relays live output of one execution as Server-Sent
// Events and ends with a done event carrying the final record.
func (h *Handlers) HandleStreamExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	stdout := NewSSEWriter(w, "stdout")
	if stdout == nil {
		writeError(w, "streaming not supported", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	stderr := NewSSEWriter(w, "stderr")

	// Subscribe before the first status check so no chunk falls in between.
	msgs, unsubscribe := h.broker.Subscribe(id)
	defer unsubscribe()

	exec, err := h.executions.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrExecutionNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	stdout.flusher.Flush()

	if exec.Status.Terminal() {
		sendDone(w, exec)
		return
	}

	ticker := time.NewTicker(h.streamPoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-msgs:
			out := stderr
			if msg.IsStdout {
				out = stdout
			}
			if _, err := out.Write([]byte(msg.Chunk)); err != nil {
				return
			}
		case <-ticker.C:
			exec, err := h.executions.GetExecution(r.Context(), id)
			if err != nil {
				sendSSEError(w, "status check failed")
				return
			}
			if exec.Status.Terminal() {
				sendDone(w, exec)
				return
			}
		}
	}
}

func sendDone(w http.ResponseWriter, exec *model.Execution) {
	b, err := json.Marshal(exec)
	if err != nil {
		sendSSEError(w, "encoding result failed")
		return
	}
	sendSSEDone(w, string(b))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "id must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
