package secrets

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	p, err := Generate()
	require.NoError(t, err)

	assert.Len(t, p.JWTSecret, 32)
	assert.Len(t, p.AdminPassword, 16)
	for _, c := range p.JWTSecret + p.AdminPassword {
		assert.True(t, strings.ContainsRune(alphanumeric, c), "unexpected rune %q", c)
	}
	key, err := hex.DecodeString(p.PLCRotationKey)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, p, other)
}

func TestStore_GeneratesOnceAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	first, err := NewStore(zerolog.Nop(), dir).PDS("pds")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "pds.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := NewStore(zerolog.Nop(), dir).PDS("pds")
	require.NoError(t, err)
	assert.Equal(t, first, again, "a restart must render the same credentials")

	other, err := NewStore(zerolog.Nop(), dir).PDS("pds-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.JWTSecret, other.JWTSecret)
}

func TestStore_EnvOnlyForPDS(t *testing.T) {
	s := NewStore(zerolog.Nop(), t.TempDir())

	env, err := s.Env(spec.ServiceSpec{ID: "feed", Kind: spec.KindFeedGenerator})
	require.NoError(t, err)
	assert.Nil(t, env)

	env, err = s.Env(spec.ServiceSpec{ID: "pds", Kind: spec.KindPDS})
	require.NoError(t, err)
	for _, key := range []string{EnvJWTSecret, EnvAdminPassword, EnvPLCRotationKey} {
		assert.NotEmpty(t, env[key], key)
	}
}

func TestStore_RejectsIncompleteFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pds.toml"), []byte("jwt_secret = \"abc\"\n"), 0o600))

	_, err := NewStore(zerolog.Nop(), dir).PDS("pds")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")
}

func TestStore_Remove(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(zerolog.Nop(), dir)
	first, err := s.PDS("pds")
	require.NoError(t, err)

	require.NoError(t, s.Remove("pds"))
	require.NoError(t, s.Remove("pds"), "removing twice is fine")
	_, err = os.Stat(filepath.Join(dir, "pds.toml"))
	assert.True(t, os.IsNotExist(err))

	regenerated, err := s.PDS("pds")
	require.NoError(t, err)
	assert.NotEqual(t, first.JWTSecret, regenerated.JWTSecret)
}
