package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TerminalRepo records when terminals were started and when they exited.
type TerminalRepo struct {
	db *sql.DB
}

func NewTerminalRepo(db *sql.DB) *TerminalRepo {
	return &TerminalRepo{db: db}
}

func (r *TerminalRepo) Create(ctx context.Context, t *Terminal) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("terminal id is required")
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = nowUTC()
	}
	command, err := encodeStringSlice(t.Command)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO terminals (id, name, command, started_at, exited_at)
VALUES (?, ?, ?, ?, ?)
`,
		t.ID,
		t.Name,
		command,
		formatTimestamp(t.StartedAt),
		formatTimestampOrEmpty(t.ExitedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create terminal %q: %w", t.ID, err)
	}
	return nil
}

// MarkExited stamps the exit time of a terminal.
func (r *TerminalRepo) MarkExited(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE terminals SET exited_at = ? WHERE id = ?`, formatTimestamp(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark terminal %q exited: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for terminal %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("terminal %q not found", id)
	}
	return nil
}

// List returns the most recently started terminals first.
func (r *TerminalRepo) List(ctx context.Context, limit int) ([]*Terminal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, command, started_at, exited_at
FROM terminals
ORDER BY started_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}
	defer rows.Close()

	out := make([]*Terminal, 0)
	for rows.Next() {
		var (
			t                     Terminal
			commandRaw            string
			startedRaw, exitedRaw string
		)
		if err := rows.Scan(&t.ID, &t.Name, &commandRaw, &startedRaw, &exitedRaw); err != nil {
			return nil, fmt.Errorf("failed to scan terminal: %w", err)
		}
		if t.Command, err = decodeStringSlice(commandRaw); err != nil {
			return nil, err
		}
		if t.StartedAt, err = parseTimestamp(startedRaw); err != nil {
			return nil, err
		}
		if t.ExitedAt, err = parseOptionalTimestamp(exitedRaw); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating terminals: %w", err)
	}
	return out, nil
}
