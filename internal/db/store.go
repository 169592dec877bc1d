package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

var (
	_ interfaces.UserStore = (*Store)(nil)
	_ interfaces.TaskStore = (*Store)(nil)
)

// Store reads users and writes tasks in the main application database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new database store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*interfaces.User, error) {
	query := `
		SELECT id, username, email, is_active, created_at
		FROM users WHERE id = $1
	`

	u := &interfaces.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, interfaces.ErrUserNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateTask inserts a task owned by ownerID
func (s *Store) CreateTask(ctx context.Context, ownerID int64, title, description string) (*interfaces.Task, error) {
	query := `
		INSERT INTO tasks (title, description, completed, owner_id, created_at, updated_at)
		VALUES ($1, $2, false, $3, $4, $4)
		RETURNING id
	`

	now := s.now().UTC()
	t := &interfaces.Task{
		Title:       title,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.QueryRowContext(ctx, query, title, description, ownerID, now).Scan(&t.ID); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// ListTasksByOwner returns a user's tasks, newest first
func (s *Store) ListTasksByOwner(ctx context.Context, ownerID int64) ([]*interfaces.Task, error) {
	query := `
		SELECT id, title, description, completed, owner_id, created_at, updated_at
		FROM tasks WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*interfaces.Task
	for rows.Next() {
		t := &interfaces.Task{}
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Completed, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// DeleteCompletedBefore removes completed tasks last updated before cutoff
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM tasks WHERE completed = true AND updated_at < $1`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted tasks: %w", err)
	}
	return n, nil
}
