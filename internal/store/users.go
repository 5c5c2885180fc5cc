package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an application account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSummary is one row of the admin user listing: the user with its
// latest classification and the plan generated from it, if any.
type UserSummary struct {
	User
	BodyType           string     `json:"body_type,omitempty"`
	Gender             string     `json:"gender,omitempty"`
	ClassificationDate *time.Time `json:"classification_date,omitempty"`
	WorkoutPlan        string     `json:"workout_plan,omitempty"`
	MealPlan           string     `json:"meal_plan,omitempty"`
	PlanDate           *time.Time `json:"plan_date,omitempty"`
}

// UserUpdate carries the optional fields of an update; nil leaves a field unchanged.
type UserUpdate struct {
	Email *string `json:"email"`
	Name  *string `json:"name"`
}

// CreateUser inserts a user and returns its id. A taken email yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, email, name, hash string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (id, email, name, password_hash) VALUES ($1,$2,$3,$4)`,
		id, strings.ToLower(strings.TrimSpace(email)), name, hash)
	if err != nil {
		return "", mapErr(err)
	}
	return id, nil
}

// GetUserByEmail returns the user and its password hash.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, string, error) {
	var u User
	var name sql.NullString
	var hash string
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, name, password_hash, created_at FROM users WHERE email=$1`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&u.ID, &u.Email, &name, &hash, &u.CreatedAt)
	if err != nil {
		return User{}, "", mapErr(err)
	}
	u.Name = nullString(name)
	return u, hash, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var name sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &name, &u.CreatedAt)
	if err != nil {
		return User{}, mapErr(err)
	}
	u.Name = nullString(name)
	return u, nil
}

func (s *Store) UserExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

// ListUsers returns every user, newest first, joined with the latest
// classification and its latest plan.
func (s *Store) ListUsers(ctx context.Context) ([]UserSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT u.id, u.email, u.name, u.created_at,
       c.body_type, c.gender, c.created_at,
       f.workout_plan, f.meal_plan, f.created_at
FROM users u
LEFT JOIN LATERAL (
  SELECT id, body_type, gender, created_at FROM classifications
  WHERE user_id = u.id ORDER BY created_at DESC LIMIT 1
) c ON TRUE
LEFT JOIN LATERAL (
  SELECT workout_plan, meal_plan, created_at FROM fitness_plans
  WHERE classification_id = c.id ORDER BY created_at DESC LIMIT 1
) f ON TRUE
ORDER BY u.created_at DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserSummary
	for rows.Next() {
		var us UserSummary
		var name, bodyType, gender, workout, meal sql.NullString
		var classifiedAt, plannedAt sql.NullTime
		if err := rows.Scan(&us.ID, &us.Email, &name, &us.CreatedAt, &bodyType, &gender, &classifiedAt, &workout, &meal, &plannedAt); err != nil {
			return nil, err
		}
		us.Name = nullString(name)
		us.BodyType = nullString(bodyType)
		us.Gender = nullString(gender)
		us.ClassificationDate = nullTime(classifiedAt)
		us.WorkoutPlan = nullString(workout)
		us.MealPlan = nullString(meal)
		us.PlanDate = nullTime(plannedAt)
		out = append(out, us)
	}
	return out, rows.Err()
}

// UpdateUser applies the non-nil fields of upd. It reports false when the
// update carries no field or the user does not exist.
func (s *Store) UpdateUser(ctx context.Context, id string, upd UserUpdate) (bool, error) {
	var sets []string
	var args []any
	if upd.Email != nil {
		args = append(args, strings.ToLower(strings.TrimSpace(*upd.Email)))
		sets = append(sets, fmt.Sprintf("email=$%d", len(args)))
	}
	if upd.Name != nil {
		args = append(args, *upd.Name)
		sets = append(sets, fmt.Sprintf("name=$%d", len(args)))
	}
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=$%d`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteUser removes the user with its plans and classifications in one
// transaction. It reports false when the user does not exist.
func (s *Store) DeleteUser(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fitness_plans WHERE user_id=$1`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM classifications WHERE user_id=$1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}
