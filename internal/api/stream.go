package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"exploit-executor/internal/model"
)

// Broker fans live output out to SSE subscribers. It is an output sink of
// the executor; a slow subscriber loses chunks rather than stalling a job.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int64]map[chan model.OutputMessage]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer < 1 {
		buffer = 256
	}
	return &Broker{
		subs:   make(map[int64]map[chan model.OutputMessage]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel of chunks for executionID and a function that
// must be called to unsubscribe.
func (b *Broker) Subscribe(executionID int64) (<-chan model.OutputMessage, func()) {
	ch := make(chan model.OutputMessage, b.buffer)

	b.mu.Lock()
	set, ok := b.subs[executionID]
	if !ok {
		set = make(map[chan model.OutputMessage]struct{})
		b.subs[executionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, executionID)
			}
		})
	}
}

// Send delivers msg to every current subscriber without blocking.
func (b *Broker) Send(_ context.Context, msg model.OutputMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[msg.ExecutionID] {
		select {
		case ch <- msg:
		default:
			log.Warn().Int64("execution_id", msg.ExecutionID).Msg("stream subscriber too slow, dropping chunk")
		}
	}
	return nil
}

// Subscribers returns the number of subscribers of executionID.
func (b *Broker) Subscribers(executionID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string // stdout or stderr
	mu      sync.Mutex
}

// NewSSEWriter creates an SSE writer for the given event type.
// Returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	// Every line needs its own data: prefix or exploit output could forge events.
	lines := strings.Split(string(p), "\n")
	fmt.Fprintf(s.w, "event: %s\n", s.event)
	for _, line := range lines {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

func sendSSEDone(w http.ResponseWriter, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func sendSSEError(w http.ResponseWriter, errMsg string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", errMsg)
		flusher.Flush()
	}
}
