package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"listen": ":9090", "jwt_secret": "s3cret"},
		"agents": {"default_max_iterations": 50, "max_iterations_cap": 4},
		"databases": {"postgres": {"url": "postgres://u:p@db:5432/fit?sslmode=disable"}}
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.General.Listen)
	assert.Equal(t, "s3cret", cfg.General.JWTSecret)
	assert.Equal(t, 4, cfg.Agents.DefaultMaxIterations, "default is clamped to the cap")
	assert.Equal(t, 5, cfg.Agents.RetrievalTopK)
	assert.Equal(t, 2*time.Minute, cfg.Agents.GenerationTimeout)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5*time.Minute, cfg.Client.StreamTimeout)

	dsn, err := cfg.Databases.Postgres.DSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/fit?sslmode=disable", dsn)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"general": {"listen": ":9090"}}`)
	t.Setenv("FITPLAN_PROVIDERS_OPENAI_API_KEY", "sk-test")
	t.Setenv("FITPLAN_GENERAL_LISTEN", ":7070")
	t.Setenv("FITPLAN_DATABASES_REDIS_HOST", "cache")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, ":7070", cfg.General.Listen)
	assert.True(t, cfg.Databases.Redis.Enabled())
	assert.Equal(t, "cache:6379", cfg.Databases.Redis.Addr())
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"overlap":  `{"rag": {"chunk_size": 100, "chunk_overlap": 100}}`,
		"provider": `{"web_search": {"provider": "bing"}}`,
		"temp":     `{"providers": {"openai": {"temperature": 3}}}`,
		"postgres": `{"databases": {"postgres": {"host": "", "dbname": ""}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestPostgresDSNFromParts(t *testing.T) {
	dsn, err := PostgresConfig{Host: "db", User: "fit", Password: "pw", DBName: "fitplan"}.DSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://fit:pw@db:5432/fitplan?sslmode=disable", dsn)

	_, err = PostgresConfig{}.DSN()
	assert.Error(t, err)
}
