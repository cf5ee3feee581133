package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"exploit-executor/internal/model"
)

// Exploits reads build state the builder keeps in the exploits table.
type Exploits struct {
	db *DB
}

func NewExploits(db *DB) *Exploits {
	return &Exploits{db: db}
}

// EnsureExploit returns the exploit's current build state. An unknown exploit
// is reported as a failed build so the job fails with a readable reason.
func (e *Exploits) EnsureExploit(ctx context.Context, id string) (*model.Exploit, error) {
	var (
		exp    = model.Exploit{ID: id}
		status string
	)
	err := e.db.pool.QueryRow(ctx, `
		SELECT status, COALESCE(docker_id, ''), COALESCE(docker_cmd, '[]'::jsonb),
			COALESCE(persist_key, id), COALESCE(build_output, '')
		FROM exploits WHERE id = $1`, id,
	).Scan(&status, &exp.ImageRef, &exp.Command, &exp.PersistKey, &exp.BuildOutput)
	if errors.Is(err, pgx.ErrNoRows) {
		exp.Status = model.BuildFailed
		exp.BuildOutput = fmt.Sprintf("exploit %q does not exist", id)
		return &exp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying exploit %q: %w", id, err)
	}
	exp.Status = model.BuildStatus(status)
	return &exp, nil
}
