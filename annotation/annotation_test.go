package annotation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAuth(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultAuthFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCredentialsGivenDirectly(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c, err := NewCredentials("", "", "abc", "")
	require.NoError(t, err)
	h, err := c.AuthHeader()
	require.NoError(t, err)
	assert.Equal(t, "token abc", h.Get("Authorization"))

	c, err = NewCredentials("user", "pass", "", "")
	require.NoError(t, err)
	_, err = c.AuthHeader()
	assert.ErrorIs(t, err, errNoToken)
}

func TestCredentialsReadDefaultAuthFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeAuth(t, home, " 0123token \n")

	c, err := NewCredentials("", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "0123token", c.Token)
}

func TestCredentialsReadExplicitAuthFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeAuth(t, t.TempDir(), "alice, secret\nignored")

	c, err := NewCredentials("", "", "", path)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, "secret", c.Password)
	assert.Empty(t, c.Token)

	bad := writeAuth(t, t.TempDir(), "a,b,c")
	_, err = NewCredentials("", "", "", bad)
	assert.ErrorIs(t, err, errInvalidAuthFile)
}

func TestCredentialsWithoutAuthFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c, err := NewCredentials("", "", "", "")
	require.NoError(t, err)
	assert.Empty(t, c.Token)
	assert.Empty(t, c.Username)
}

func TestWriteAuthFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultAuthFile)
	require.NoError(t, WriteAuthFile(path, "tok"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c, err := NewCredentials("", "", "", path)
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Token)
}

func TestAnnotationTypeNames(t *testing.T) {
	assert.Equal(t, "OBJECT_DETECTION", ObjectDetection.String())
	typ, err := ParseAnnotationType("SEMANTIC_SEGMENTATION")
	require.NoError(t, err)
	assert.Equal(t, SemanticSegmentation, typ)
	assert.Equal(t, 3, int(typ))
	_, err = ParseAnnotationType("POSE")
	assert.Error(t, err)
}
