package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"MAX_ITERATIONS", "BATCH_SIZE", "FETCH_TIMEOUT", "SEARCH_RPS", "PORT"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, 20, cfg.MaxIterations)
	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2.0, cfg.SearchRPS)
	assert.Equal(t, "8081", cfg.Port)
}

func TestLoadOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, c *Config)
	}{
		{
			name: "ints",
			env:  map[string]string{"MAX_ITERATIONS": "5", "BATCH_SIZE": "7"},
			check: func(t *testing.T, c *Config) {
				rc := c.Research()
				assert.Equal(t, 5, rc.MaxIterations)
				assert.Equal(t, 7, rc.BatchSize)
			},
		},
		{
			name: "invalid int falls back",
			env:  map[string]string{"MAX_ITERATIONS": "many"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 20, c.MaxIterations)
			},
		},
		{
			name: "duration forms",
			env:  map[string]string{"FETCH_TIMEOUT": "45"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 45*time.Second, c.FetchTimeout)
			},
		},
		{
			name: "go duration",
			env:  map[string]string{"FETCH_TIMEOUT": "1m30s", "SEARCH_RPS": "0.5"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 90*time.Second, c.FetchTimeout)
				assert.Equal(t, 0.5, c.SearchRPS)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, Load())
		})
	}
}
