package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Classification is one stored body-type classification.
type Classification struct {
	ID         int64     `json:"id"`
	BodyType   string    `json:"body_type"`
	Gender     string    `json:"gender"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Plan is the latest persisted plan of a user with the classification it
// was generated for.
type Plan struct {
	ID                 int64     `json:"id"`
	UserID             string    `json:"user_id"`
	ClassificationID   int64     `json:"classification_id"`
	BodyType           string    `json:"body_type"`
	Gender             string    `json:"gender"`
	WorkoutPlan        string    `json:"workout_plan"`
	MealPlan           string    `json:"meal_plan"`
	Version            int       `json:"plan_version"`
	ClassificationDate time.Time `json:"classification_date"`
	PlanDate           time.Time `json:"plan_date"`
}

// Result is a classification together with the plans generated from it.
type Result struct {
	BodyType    string
	Gender      string
	Confidence  float64
	WorkoutPlan string
	MealPlan    string
}

// SavedResult reports the rows written by SaveResult.
type SavedResult struct {
	ClassificationID int64 `json:"classification_id"`
	PlanID           int64 `json:"plan_id"`
}

// SaveResult stores a classification and its plans in one transaction. The
// user's latest classification, and the latest plan attached to it, are
// overwritten when present; otherwise new rows are inserted.
func (s *Store) SaveResult(ctx context.Context, userID string, r Result) (SavedResult, error) {
	var out SavedResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cid, err := saveClassification(ctx, tx, userID, r)
		if err != nil {
			return err
		}
		pid, err := savePlan(ctx, tx, userID, cid, r)
		if err != nil {
			return err
		}
		out = SavedResult{ClassificationID: cid, PlanID: pid}
		return nil
	})
	return out, mapErr(err)
}

func saveClassification(ctx context.Context, q querier, userID string, r Result) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM classifications WHERE user_id=$1 ORDER BY created_at DESC LIMIT 1`, userID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = q.QueryRowContext(ctx, `INSERT INTO classifications (user_id, body_type, gender, confidence) VALUES ($1,$2,$3,$4) RETURNING id`,
			userID, r.BodyType, r.Gender, r.Confidence).Scan(&id)
		return id, err
	case err != nil:
		return 0, err
	}
	_, err = q.ExecContext(ctx, `UPDATE classifications SET body_type=$1, gender=$2, confidence=$3, created_at=NOW() WHERE id=$4`,
		r.BodyType, r.Gender, r.Confidence, id)
	return id, err
}

func savePlan(ctx context.Context, q querier, userID string, classificationID int64, r Result) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM fitness_plans WHERE classification_id=$1 ORDER BY created_at DESC LIMIT 1`, classificationID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = q.QueryRowContext(ctx, `INSERT INTO fitness_plans (user_id, classification_id, workout_plan, meal_plan) VALUES ($1,$2,$3,$4) RETURNING id`,
			userID, classificationID, r.WorkoutPlan, r.MealPlan).Scan(&id)
		return id, err
	case err != nil:
		return 0, err
	}
	_, err = q.ExecContext(ctx, `UPDATE fitness_plans SET workout_plan=$1, meal_plan=$2, plan_version=plan_version+1, created_at=NOW() WHERE id=$3`,
		r.WorkoutPlan, r.MealPlan, id)
	return id, err
}

// LatestPlan returns the newest plan of the user or ErrNotFound.
func (s *Store) LatestPlan(ctx context.Context, userID string) (Plan, error) {
	var p Plan
	var gender sql.NullString
	var workout, meal sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT f.id, f.user_id, c.id, c.body_type, c.gender, f.workout_plan, f.meal_plan, f.plan_version, c.created_at, f.created_at
FROM fitness_plans f
JOIN classifications c ON f.classification_id = c.id
WHERE f.user_id=$1
ORDER BY f.created_at DESC
LIMIT 1
`, userID).Scan(&p.ID, &p.UserID, &p.ClassificationID, &p.BodyType, &gender, &workout, &meal, &p.Version, &p.ClassificationDate, &p.PlanDate)
	if err != nil {
		return Plan{}, mapErr(err)
	}
	p.Gender = nullString(gender)
	p.WorkoutPlan = nullString(workout)
	p.MealPlan = nullString(meal)
	return p, nil
}

// Classifications returns the user's classification history, newest first.
func (s *Store) Classifications(ctx context.Context, userID string) ([]Classification, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, body_type, gender, confidence, created_at FROM classifications WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Classification{}
	for rows.Next() {
		var c Classification
		var gender sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.BodyType, &gender, &conf, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Gender = nullString(gender)
		if conf.Valid {
			c.Confidence = conf.Float64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
