package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = `id, name, relation, custom_prompt, created_at, updated_at`

// GetUser returns (nil, nil) when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// EnsureUser inserts the user as a friend if missing. An existing row keeps
// its relation; only a changed display name is written back.
func (s *Store) EnsureUser(ctx context.Context, id int64, name string) (User, error) {
	name = strings.TrimSpace(name)
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, relation, created_at, updated_at) VALUES(?,?,'friend',?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name
		 WHERE excluded.name <> '' AND excluded.name <> users.name`,
		id, name, now, now)
	if err != nil {
		return User{}, fmt.Errorf("ensure user %d: %w", id, err)
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return *u, nil
}

// PromoteMaster makes id the master, but only while no master exists.
func (s *Store) PromoteMaster(ctx context.Context, id int64) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE relation = 'master'`).Scan(&n); err != nil {
		return User{}, err
	}
	if n > 0 {
		return User{}, ErrMasterExists
	}
	res, err := tx.ExecContext(ctx, `UPDATE users SET relation = 'master' WHERE id = ?`, id)
	if err != nil {
		return User{}, err
	}
	if err := expectRow(res, "user", id); err != nil {
		return User{}, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return s.mustUser(ctx, id)
}

// SetRelation changes a user's relation on behalf of operatorID, who must be the master.
func (s *Store) SetRelation(ctx context.Context, operatorID, userID int64, rel Relation) (User, error) {
	if _, err := ParseRelation(string(rel)); err != nil {
		return User{}, err
	}
	op, err := s.GetUser(ctx, operatorID)
	if err != nil {
		return User{}, err
	}
	if op == nil || op.Relation != Master {
		return User{}, ErrNotMaster
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET relation = ? WHERE id = ?`, string(rel), userID)
	if err != nil {
		return User{}, err
	}
	if err := expectRow(res, "user", userID); err != nil {
		return User{}, err
	}
	return s.mustUser(ctx, userID)
}

// SetCustomPrompt stores extra instructions for the agent; an empty prompt clears it.
func (s *Store) SetCustomPrompt(ctx context.Context, id int64, prompt string) (User, error) {
	var v any
	if p := strings.TrimSpace(prompt); p != "" {
		v = p
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET custom_prompt = ? WHERE id = ?`, v, id)
	if err != nil {
		return User{}, err
	}
	if err := expectRow(res, "user", id); err != nil {
		return User{}, err
	}
	return s.mustUser(ctx, id)
}

func (s *Store) mustUser(ctx context.Context, id int64) (User, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return *u, nil
}

func scanUser(r rowScanner) (User, error) {
	var (
		u                    User
		rel                  string
		prompt               sql.NullString
		createdAt, updatedAt string
	)
	if err := r.Scan(&u.ID, &u.Name, &rel, &prompt, &createdAt, &updatedAt); err != nil {
		return User{}, err
	}
	var err error
	if u.Relation, err = ParseRelation(rel); err != nil {
		return User{}, err
	}
	u.CustomPrompt = prompt.String
	if u.CreatedAt, err = parseTS(createdAt); err != nil {
		return User{}, err
	}
	if u.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return User{}, err
	}
	return u, nil
}
