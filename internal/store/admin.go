package store

import (
	"context"
	"database/sql"
	"time"
)

// Admin is an administrator account, separate from application users.
type Admin struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// CreateAdmin inserts an administrator. A taken username yields ErrConflict.
func (s *Store) CreateAdmin(ctx context.Context, username, hash string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO admin_users (username, password_hash) VALUES ($1,$2) RETURNING id`, username, hash).Scan(&id)
	return id, mapErr(err)
}

// GetAdminByUsername returns the administrator and its password hash.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (Admin, string, error) {
	var a Admin
	var hash string
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at, last_login FROM admin_users WHERE username=$1`, username).
		Scan(&a.ID, &a.Username, &hash, &a.CreatedAt, &last)
	if err != nil {
		return Admin{}, "", mapErr(err)
	}
	a.LastLogin = nullTime(last)
	return a, hash, nil
}

func (s *Store) TouchAdminLogin(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE admin_users SET last_login=NOW() WHERE id=$1`, id)
	return err
}

func (s *Store) GetAdmin(ctx context.Context, id int64) (Admin, error) {
	var a Admin
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT id, username, created_at, last_login FROM admin_users WHERE id=$1`, id).
		Scan(&a.ID, &a.Username, &a.CreatedAt, &last)
	if err != nil {
		return Admin{}, mapErr(err)
	}
	a.LastLogin = nullTime(last)
	return a, nil
}

// CountAdmins reports how many administrators exist; zero allows first-time setup.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&n)
	return n, err
}
