package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/wesm/wizardsync/internal/wizard"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(
		ctx context.Context, query string, args ...any,
	) (*sql.Rows, error)
	QueryRowContext(
		ctx context.Context, query string, args ...any,
	) *sql.Row
}

// NewUser is a freshly created user and its session token.
type NewUser struct {
	wizard.User
	Token string `json:"token"`
}

// CreateUser inserts a user with a random ID and session token.
func (db *DB) CreateUser(
	ctx context.Context, email string, verified bool,
) (NewUser, error) {
	u := NewUser{
		User: wizard.User{
			ID:            uuid.NewString(),
			Email:         email,
			EmailVerified: verified,
		},
		Token: uuid.NewString(),
	}
	err := db.UpdateContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, email, email_verified, token)
			 VALUES (?, ?, ?, ?)`,
			u.ID, u.Email, u.EmailVerified, u.Token,
		)
		return err
	})
	if isUniqueViolation(err) {
		return NewUser{}, fmt.Errorf("user %s: %w", email, ErrConflict)
	}
	if err != nil {
		return NewUser{}, fmt.Errorf("creating user %s: %w", email, err)
	}
	return u, nil
}

// UserByToken resolves a session token. It returns nil when no
// user holds the token.
func (db *DB) UserByToken(
	ctx context.Context, token string,
) (*wizard.User, error) {
	return scanUser(db.reader.QueryRowContext(ctx,
		`SELECT id, email, email_verified FROM users
		 WHERE token = ?`, token,
	))
}

// GetUser returns a user by ID, or nil when absent.
func (db *DB) GetUser(
	ctx context.Context, id string,
) (*wizard.User, error) {
	return scanUser(db.reader.QueryRowContext(ctx,
		`SELECT id, email, email_verified FROM users
		 WHERE id = ?`, id,
	))
}

func scanUser(row *sql.Row) (*wizard.User, error) {
	var u wizard.User
	err := row.Scan(&u.ID, &u.Email, &u.EmailVerified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// GetProgress returns the authoritative record for userID. A
// user who has never completed a step gets a freshly
// initialized record positioned at the first step.
func (db *DB) GetProgress(
	ctx context.Context, userID string, def *wizard.Definition,
) (wizard.Record, error) {
	return loadRecord(ctx, db.reader, userID, def)
}

func loadRecord(
	ctx context.Context, q querier,
	userID string, def *wizard.Definition,
) (wizard.Record, error) {
	user, err := scanUser(q.QueryRowContext(ctx,
		`SELECT id, email, email_verified FROM users
		 WHERE id = ?`, userID,
	))
	if err != nil {
		return wizard.Record{}, err
	}
	if user == nil {
		return wizard.Record{}, fmt.Errorf(
			"user %s: %w", userID, ErrNotFound,
		)
	}

	rec := wizard.Record{
		CurrentStep:    def.First(),
		CompletedSteps: wizard.NewStepSet(),
		StepData:       map[wizard.Step]wizard.Payload{},
		User:           *user,
	}
	err = q.QueryRowContext(ctx,
		"SELECT current_step, version FROM progress WHERE user_id = ?",
		userID,
	).Scan(&rec.CurrentStep, &rec.Version)
	if err != nil && err != sql.ErrNoRows {
		return wizard.Record{}, fmt.Errorf(
			"loading progress for %s: %w", userID, err,
		)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT step, payload FROM step_completions WHERE user_id = ?",
		userID,
	)
	if err != nil {
		return wizard.Record{}, fmt.Errorf(
			"loading completions for %s: %w", userID, err,
		)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			step    wizard.Step
			payload string
		)
		if err := rows.Scan(&step, &payload); err != nil {
			return wizard.Record{}, fmt.Errorf(
				"scanning completion: %w", err,
			)
		}
		rec.CompletedSteps[step] = struct{}{}
		var p wizard.Payload
		if err := json.Unmarshal([]byte(payload), &p); err == nil && len(p) > 0 {
			rec.StepData[step] = p
		}
	}
	if err := rows.Err(); err != nil {
		return wizard.Record{}, err
	}

	rec = def.Sanitize(rec)
	rec.Progress = def.Progress(rec.CompletedSteps)
	return rec, nil
}

// CompleteStep records an accepted payload for step, advances
// the current step and bumps the record version, all in one
// transaction. next is empty when every step is complete.
func (db *DB) CompleteStep(
	ctx context.Context, userID string,
	step wizard.Step, payload wizard.Payload,
	def *wizard.Definition,
) (rec wizard.Record, next wizard.Step, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return wizard.Record{}, "", fmt.Errorf(
			"encoding payload: %w", err,
		)
	}
	err = db.UpdateContext(ctx, func(tx *sql.Tx) error {
		if _, err := loadRecord(ctx, tx, userID, def); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_completions (user_id, step, payload)
			 VALUES (?, ?, ?)
			 ON CONFLICT(user_id, step) DO UPDATE SET
				payload = excluded.payload,
				completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
			userID, step, string(data),
		); err != nil {
			return fmt.Errorf("recording completion: %w", err)
		}

		cur, err := loadRecord(ctx, tx, userID, def)
		if err != nil {
			return err
		}
		current := step
		if n, ok := def.Advance(cur.CompletedSteps, step); ok {
			current = n
			next = n
		}
		if err := bumpProgress(ctx, tx, userID, current); err != nil {
			return err
		}
		rec, err = loadRecord(ctx, tx, userID, def)
		return err
	})
	if err != nil {
		return wizard.Record{}, "", err
	}
	return rec, next, nil
}

// ResetProgress discards every completion for userID and puts
// the user back on the first step.
func (db *DB) ResetProgress(
	ctx context.Context, userID string, def *wizard.Definition,
) (wizard.Record, error) {
	var rec wizard.Record
	err := db.UpdateContext(ctx, func(tx *sql.Tx) error {
		if _, err := loadRecord(ctx, tx, userID, def); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM step_completions WHERE user_id = ?",
			userID,
		); err != nil {
			return fmt.Errorf("clearing completions: %w", err)
		}
		if err := bumpProgress(ctx, tx, userID, def.First()); err != nil {
			return err
		}
		var err error
		rec, err = loadRecord(ctx, tx, userID, def)
		return err
	})
	return rec, err
}

func bumpProgress(
	ctx context.Context, tx *sql.Tx,
	userID string, current wizard.Step,
) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO progress (user_id, current_step, version)
		 VALUES (?, ?, 1)
		 ON CONFLICT(user_id) DO UPDATE SET
			current_step = excluded.current_step,
			version = progress.version + 1,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		userID, current,
	)
	if err != nil {
		return fmt.Errorf("updating progress for %s: %w", userID, err)
	}
	return nil
}
