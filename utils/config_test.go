package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewConfigMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8080"
cas:
  url: https://cas.example.com:8777
  timeout: 30s
deepzoom:
  format: jpeg
`)
	config, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "8080", config.Server.Port)
	assert.Equal(t, "https://cas.example.com:8777", config.CAS.URL)
	assert.Equal(t, 30*time.Second, config.CAS.Timeout)
	assert.Equal(t, "jpeg", config.DeepZoom.Format)
	assert.Equal(t, 254, config.DeepZoom.TileSize)
	assert.Equal(t, "info", config.Log.Level)
}

func TestNewConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "cas:\n  url: http://from-file\n")
	t.Setenv("CAS_URL", "http://from-env")
	t.Setenv("CVAT_TOKEN", "abc")

	config, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env", config.CAS.URL)
	assert.Equal(t, "abc", config.CVAT.Token)
}

func TestValidate(t *testing.T) {
	config := DefaultConfig()
	err := config.Validate()
	assert.ErrorIs(t, err, errInvalidConfig)

	config.CAS.URL = "http://cas"
	assert.NoError(t, config.Validate())

	config.DeepZoom.Format = "gif"
	assert.ErrorIs(t, config.Validate(), errInvalidConfig)

	config.DeepZoom.Format = "png"
	config.Server.Port = "-1"
	assert.ErrorIs(t, config.Validate(), errInvalidConfig)
}

func TestValidateConfigPathRejectsDirectory(t *testing.T) {
	assert.Error(t, ValidateConfigPath(t.TempDir()))
}

func TestRandomNameGenerator(t *testing.T) {
	var g RandomNameGenerator
	a := g.GenerateName("")
	b := g.GenerateName("mask")
	assert.True(t, strings.HasPrefix(a, "temp_"))
	assert.True(t, strings.HasPrefix(b, "mask_"))
	assert.NotContains(t, a, "-")
	assert.NotEqual(t, a, g.GenerateName(""))
}

func TestEncodeImageRejectsUnknownFormat(t *testing.T) {
	_, _, err := EncodeImage(nil, "gif", 0)
	assert.Error(t, err)
}
