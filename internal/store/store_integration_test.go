package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/fitplan/internal/store"
)

func TestStoreAgainstPostgres(t *testing.T) {
	if os.Getenv("FITPLAN_INTEGRATION") != "1" {
		t.Skip("set FITPLAN_INTEGRATION=1 to run against a postgres container")
	}
	ctx := context.Background()

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "fitplan",
				"POSTGRES_PASSWORD": "fitplan",
				"POSTGRES_DB":       "fitplan",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://fitplan:fitplan@%s:%s/fitplan?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://../../migrations", dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()

	uid, err := st.CreateUser(ctx, "ann@example.com", "Ann", "hash")
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, "ANN@example.com", "Ann", "hash")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = st.LatestPlan(ctx, uid)
	assert.ErrorIs(t, err, store.ErrNotFound)

	first, err := st.SaveResult(ctx, uid, store.Result{BodyType: "Endomorph", Gender: "male", Confidence: 0.8, WorkoutPlan: "w1", MealPlan: "m1"})
	require.NoError(t, err)
	second, err := st.SaveResult(ctx, uid, store.Result{BodyType: "Mesomorph", Gender: "male", Confidence: 0.9, WorkoutPlan: "w2", MealPlan: "m2"})
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-classification overwrites the latest rows")

	plan, err := st.LatestPlan(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "Mesomorph", plan.BodyType)
	assert.Equal(t, "w2", plan.WorkoutPlan)
	assert.Equal(t, 2, plan.Version)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "m2", users[0].MealPlan)

	ok, err := st.DeleteUser(ctx, uid)
	require.NoError(t, err)
	assert.True(t, ok)
	exists, err := st.UserExists(ctx, uid)
	require.NoError(t, err)
	assert.False(t, exists)
}
