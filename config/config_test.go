package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"site-cache-v4", "audio-cache-v3", "image-cache-v1"}, c.Tiers.Names())
	assert.Equal(t, 50, c.Tiers.Bound)
	assert.Equal(t, []string{"poetry", "caliope", "lupa", "experiments", "strands"}, c.Collections)
	assert.Contains(t, c.Precache, "/")
	assert.Contains(t, c.Precache, "/images/fallback.png")
	assert.Equal(t, "/json/poetry.json", c.CollectionPath("poetry"))
	assert.Equal(t, []string{"spectralTapestryState"}, c.PurgePreserve)

	start, err := c.AudioStartDate()
	require.NoError(t, err)
	assert.Equal(t, time.October, start.Month())
	assert.Equal(t, 24, start.Day())
}

func TestDefaultsNeedOrigin(t *testing.T) {
	assert.Error(t, Default().Validate())
	c := Default()
	c.Origin = "https://example.org"
	assert.NoError(t, c.Validate())
}

func TestLoadFileThenEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tapestry.yaml")
	require.NoError(t, os.WriteFile(file, []byte("origin: http://localhost:9000\nport: 9090\ntiers:\n  bound: 10\n"), 0644))
	t.Setenv("TAPESTRY_PORT", "7070")
	t.Setenv("TAPESTRY_TIER_IMAGE", "image-cache-v2")
	t.Setenv("TAPESTRY_COLLECTIONS", "poetry,lupa")

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", c.Origin)
	assert.Equal(t, 7070, c.Port)
	assert.Equal(t, 10, c.Tiers.Bound)
	assert.Equal(t, "site-cache-v4", c.Tiers.Static, "untouched defaults survive")
	assert.Equal(t, "image-cache-v2", c.Tiers.Image)
	assert.Equal(t, []string{"poetry", "lupa"}, c.Collections)
	assert.NoError(t, c.Validate())
}

func TestLoadEnvError(t *testing.T) {
	t.Setenv("TAPESTRY_PORT", "not-an-int")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"scheme", func(c *Config) { c.Origin = "ftp://example.org" }},
		{"port", func(c *Config) { c.Port = 0 }},
		{"duplicate tier", func(c *Config) { c.Tiers.Audio = c.Tiers.Static }},
		{"empty tier", func(c *Config) { c.Tiers.Image = "" }},
		{"bound", func(c *Config) { c.Tiers.Bound = 0 }},
		{"collections", func(c *Config) { c.Collections = nil }},
		{"audio root", func(c *Config) { c.AudioRoot = "audio" }},
		{"audio start", func(c *Config) { c.AudioStart = "24/10/2024" }},
		{"location", func(c *Config) { c.Location = "Nowhere/Special" }},
		{"refresh", func(c *Config) { c.RefreshSchedule = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Origin = "http://localhost:8081"
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}
