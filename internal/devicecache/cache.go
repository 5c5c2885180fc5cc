package devicecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Fixed storage keys. The plan is stored under one key regardless of who
// owns it, so every read goes through the ownership check.
const (
	KeyPlan           = "fitness_plan"
	KeyClassification = "classification_result"
	KeyMotivation     = "motivational_message"
	KeyMotivationDate = "motivational_message_date"
)

var allKeys = []string{KeyPlan, KeyClassification, KeyMotivation, KeyMotivationDate}

// Plan is the cached copy of the latest plan.
type Plan struct {
	BodyType           string    `json:"body_type,omitempty"`
	Gender             string    `json:"gender,omitempty"`
	WorkoutPlan        string    `json:"workout_plan,omitempty"`
	MealPlan           string    `json:"meal_plan,omitempty"`
	ClassificationDate time.Time `json:"classification_date,omitzero"`
	PlanDate           time.Time `json:"plan_date,omitzero"`
}

// Empty reports whether neither plan text is present.
func (p Plan) Empty() bool { return p.WorkoutPlan == "" && p.MealPlan == "" }

// Classification is the cached classification result. Owner is the
// identity every cached entry belongs to.
type Classification struct {
	Owner      string    `json:"owner"`
	BodyType   string    `json:"body_type,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// Cache is the typed view over a Backend. It is not safe for concurrent
// writers on the same Backend.
type Cache struct {
	b   Backend
	now func() time.Time
}

func New(b Backend) *Cache {
	return &Cache{b: b, now: time.Now}
}

func (c *Cache) get(key string, v any) (bool, error) {
	raw, ok, err := c.b.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.b.Set(key, raw)
}

// owns reports whether the cached entries belong to identity. When they
// belong to anyone else, or carry no owner, the plan and classification
// are cleared before returning false.
func (c *Cache) owns(identity string) (bool, error) {
	var cls Classification
	found, err := c.get(KeyClassification, &cls)
	if err != nil {
		// unreadable ownership record: nothing cached can be trusted
		return false, c.b.Delete(KeyPlan, KeyClassification)
	}
	if found && identity != "" && cls.Owner == identity {
		return true, nil
	}
	_, hasPlan, err := c.b.Get(KeyPlan)
	if err != nil {
		return false, err
	}
	if found || hasPlan {
		return false, c.b.Delete(KeyPlan, KeyClassification)
	}
	return false, nil
}

// claim makes identity the owner, discarding another owner's entries.
func (c *Cache) claim(identity string) (Classification, error) {
	if identity == "" {
		return Classification{}, fmt.Errorf("device cache: empty identity")
	}
	ok, err := c.owns(identity)
	if err != nil {
		return Classification{}, err
	}
	var cls Classification
	if ok {
		if _, err := c.get(KeyClassification, &cls); err != nil {
			return Classification{}, err
		}
		return cls, nil
	}
	cls = Classification{Owner: identity}
	return cls, c.put(KeyClassification, cls)
}

// LoadPlan returns the cached plan if identity owns it. A plan owned by a
// different identity is cleared and not returned.
func (c *Cache) LoadPlan(identity string) (Plan, bool, error) {
	ok, err := c.owns(identity)
	if err != nil || !ok {
		return Plan{}, false, err
	}
	var p Plan
	found, err := c.get(KeyPlan, &p)
	if err != nil {
		_ = c.b.Delete(KeyPlan)
		return Plan{}, false, err
	}
	return p, found && !p.Empty(), nil
}

// SavePlan replaces the cached plan for identity.
func (c *Cache) SavePlan(identity string, p Plan) error {
	if _, err := c.claim(identity); err != nil {
		return err
	}
	return c.put(KeyPlan, p)
}

// UpdatePlan applies fn to the cached plan of identity and stores the result.
func (c *Cache) UpdatePlan(identity string, fn func(*Plan)) error {
	if _, err := c.claim(identity); err != nil {
		return err
	}
	var p Plan
	if _, err := c.get(KeyPlan, &p); err != nil {
		p = Plan{}
	}
	fn(&p)
	p.PlanDate = c.now().UTC()
	return c.put(KeyPlan, p)
}

// LoadClassification returns the cached classification of identity.
func (c *Cache) LoadClassification(identity string) (Classification, bool, error) {
	ok, err := c.owns(identity)
	if err != nil || !ok {
		return Classification{}, false, err
	}
	var cls Classification
	if _, err := c.get(KeyClassification, &cls); err != nil {
		return Classification{}, false, err
	}
	return cls, cls.BodyType != "", nil
}

// SaveClassification stores cls as the result of identity.
func (c *Cache) SaveClassification(identity string, cls Classification) error {
	if _, err := c.claim(identity); err != nil {
		return err
	}
	cls.Owner = identity
	if cls.Timestamp.IsZero() {
		cls.Timestamp = c.now().UTC()
	}
	return c.put(KeyClassification, cls)
}

// SignOut drops every cached entry.
func (c *Cache) SignOut() error {
	return c.b.Delete(allKeys...)
}

// Fetcher produces a fresh motivational message.
type Fetcher func(ctx context.Context) (string, error)

// Motivation returns today's message, calling fetch when there is none
// for the current calendar day or force is set. cached reports whether the
// stored message was used.
func (c *Cache) Motivation(ctx context.Context, force bool, fetch Fetcher) (msg string, cached bool, err error) {
	today := c.now().Format(time.DateOnly)
	if !force {
		day, okDay, err := c.b.Get(KeyMotivationDate)
		if err != nil {
			return "", false, err
		}
		stored, okMsg, err := c.b.Get(KeyMotivation)
		if err != nil {
			return "", false, err
		}
		if okDay && okMsg && string(day) == today && len(stored) > 0 {
			return string(stored), true, nil
		}
	}
	msg, err = fetch(ctx)
	if err != nil {
		return "", false, err
	}
	if err := c.b.Set(KeyMotivation, []byte(msg)); err != nil {
		return msg, false, err
	}
	return msg, false, c.b.Set(KeyMotivationDate, []byte(today))
}
