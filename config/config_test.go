package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DB_DRIVER", "DB_PATH", "REDIS_ADDR", "RATE_LIMIT", "CORS_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "production.db", cfg.DSN())
	assert.Equal(t, "10-M", cfg.RateLimit)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
}

func TestLoad_EnvFileAndFlags(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_DB", "")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nREDIS_ADDR=localhost:6379\nREDIS_DB=2\n"), 0o600))
	// godotenv does not override variables that are already set
	os.Unsetenv("PORT")
	os.Unsetenv("REDIS_ADDR")
	os.Unsetenv("REDIS_DB")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Redis.Enabled())

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-port", "3000", "-db", ":memory:"}))
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "eighty")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite ok", Config{DBDriver: "sqlite", DBPath: "x.db", JWTSecret: "s"}, false},
		{"postgres without url", Config{DBDriver: "postgres", JWTSecret: "s"}, true},
		{"postgres ok", Config{DBDriver: "postgres", DatabaseURL: "postgres://x", JWTSecret: "s"}, false},
		{"unknown driver", Config{DBDriver: "mysql", JWTSecret: "s"}, true},
		{"missing secret", Config{DBDriver: "sqlite", DBPath: "x.db"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("nonsense", &buf)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())

	buf.Reset()
	LogError(log, "validation", "Submit", map[string]string{"entry_id": "e1"}, errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["msg"])
	assert.Equal(t, "validation", line["module"])
	assert.Equal(t, "Submit", line["funcName"])
}
