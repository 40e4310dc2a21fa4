package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesSecretWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared_secret")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s, Size)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_ReturnsExistingSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared_secret")

	first, err := Load(path)
	require.NoError(t, err)

	second, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoad_RejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared_secret")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestVerify_CorrectDigest(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "shared_secret"))
	require.NoError(t, err)

	salt, err := NewSalt()
	require.NoError(t, err)

	digest := Digest(s, salt)
	assert.True(t, Verify(s, salt, digest))
}

func TestVerify_WrongDigest(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "shared_secret"))
	require.NoError(t, err)

	salt, err := NewSalt()
	require.NoError(t, err)

	wrong := Digest(s, append(append([]byte(nil), salt...), 0xFF))
	assert.False(t, Verify(s, salt, wrong))
}

func TestVerify_DifferentSecrets(t *testing.T) {
	s1, err := Load(filepath.Join(t.TempDir(), "shared_secret"))
	require.NoError(t, err)
	s2, err := Load(filepath.Join(t.TempDir(), "shared_secret"))
	require.NoError(t, err)

	salt, err := NewSalt()
	require.NoError(t, err)

	digest := Digest(s1, salt)
	assert.False(t, Verify(s2, salt, digest))
}
