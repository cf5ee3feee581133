package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/model"
)

// OutputChannel is the LISTEN channel live output is announced on.
const OutputChannel = "execution_output"

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7900

// OutputQueue persists output chunks to execution_output and announces each
// one with pg_notify. A single writer goroutine keeps chunks in send order.
type OutputQueue struct {
	db   *DB
	ch   chan model.OutputMessage
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func NewOutputQueue(db *DB, bufferSize int) *OutputQueue {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &OutputQueue{
		db:   db,
		ch:   make(chan model.OutputMessage, bufferSize),
		done: make(chan struct{}),
	}
}

func (q *OutputQueue) Start() {
	q.wg.Add(1)
	go q.processLoop()
}

// Send enqueues msg, blocking while the buffer is full. ctx only bounds
// the wait for buffer space.
func (q *OutputQueue) Send(ctx context.Context, msg model.OutputMessage) error {
	select {
	case <-q.done:
		return fmt.Errorf("output queue closed")
	default:
	}
	// Buffer space wins over an ended ctx: the chunk was already read.
	select {
	case q.ch <- msg:
		return nil
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-q.done:
		return fmt.Errorf("output queue closed")
	}
}

// Flush stops accepting messages and waits up to timeout for the buffer to drain.
func (q *OutputQueue) Flush(timeout time.Duration) {
	q.once.Do(func() { close(q.done) })

	doneCh := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("output queue flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(q.ch)).Msg("output queue flush timed out")
	}
}

func (q *OutputQueue) processLoop() {
	defer q.wg.Done()

	for {
		select {
		case msg := <-q.ch:
			q.write(msg)
		case <-q.done:
			for {
				select {
				case msg := <-q.ch:
					q.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (q *OutputQueue) write(msg model.OutputMessage) {
	err := withRetry(context.Background(), 3, "output", func(ctx context.Context) error {
		return q.insert(ctx, msg)
	})
	if err != nil {
		log.Error().Err(err).Int64("execution_id", msg.ExecutionID).Msg("output chunk lost")
	}
}

func (q *OutputQueue) insert(ctx context.Context, msg model.OutputMessage) error {
	return pgx.BeginFunc(ctx, q.db.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO execution_output (execution_id, is_stdout, chunk) VALUES ($1, $2, $3) RETURNING id`,
			msg.ExecutionID, msg.IsStdout, pgText(msg.Chunk),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("inserting output chunk: %w", err)
		}

		payload, err := notifyPayload(id, msg)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, OutputChannel, payload); err != nil {
			return fmt.Errorf("notifying output chunk: %w", err)
		}
		return nil
	})
}

type outputNotification struct {
	ID int64 `json:"id"`
	model.OutputMessage
	// Truncated is set when the chunk was too large to inline; readers
	// fetch it from execution_output by id.
	Truncated bool `json:"truncated,omitempty"`
}

func notifyPayload(id int64, msg model.OutputMessage) (string, error) {
	n := outputNotification{ID: id, OutputMessage: msg}
	n.Chunk = pgText(n.Chunk)
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding output notification: %w", err)
	}
	if len(b) <= maxNotifyPayload {
		return string(b), nil
	}
	n.Chunk = ""
	n.Truncated = true
	b, err = json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding output notification: %w", err)
	}
	return string(b), nil
}

// pgText makes s storable in a TEXT column, which rejects NUL bytes and
// invalid UTF-8.
func pgText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
