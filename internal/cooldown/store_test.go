package cooldown

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frozen(s *Store, at time.Time) *time.Time {
	cur := at
	s.now = func() time.Time { return cur }
	return &cur
}

func TestCheckAndMarkOpensWindow(t *testing.T) {
	s := NewMemoryStore()
	now := frozen(s, time.Unix(1_700_000_000, 0))

	assert.False(t, s.CheckAndMark("aging:storage_low", time.Minute))
	assert.True(t, s.CheckAndMark("aging:storage_low", time.Minute))
	assert.Equal(t, time.Minute, s.Remaining("aging:storage_low"))

	*now = now.Add(2 * time.Minute)
	assert.Zero(t, s.Remaining("aging:storage_low"))
	assert.False(t, s.CheckAndMark("aging:storage_low", time.Minute))

	w, ok := s.Get("aging:storage_low")
	require.True(t, ok)
	assert.Equal(t, 2, w.Fired)
}

func TestNonPositiveTTLNeverCoolsDown(t *testing.T) {
	s := NewMemoryStore()
	assert.False(t, s.CheckAndMark("aging:cli", 0))
	assert.False(t, s.CheckAndMark("aging:cli", -time.Second))
	_, ok := s.Get("aging:cli")
	assert.False(t, ok)
	assert.NoError(t, s.Save())
}

func TestStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldown.json")
	s, err := NewStore(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	s.CheckAndMark("aging:scheduled", time.Hour)
	s.windows["aging:old"] = Window{Until: time.Now().Add(-time.Hour), Fired: 3}
	require.NoError(t, s.Save())

	reloaded, err := NewStore(path)
	require.NoError(t, err)
	assert.Positive(t, reloaded.Remaining("aging:scheduled"))
	assert.Equal(t, 1, reloaded.Prune())
	_, ok := reloaded.Get("aging:old")
	assert.False(t, ok)

	reloaded.Clear("aging:scheduled")
	assert.Zero(t, reloaded.Remaining("aging:scheduled"))
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldown.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewStore(path)
	assert.ErrorContains(t, err, "decode")

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	s, err := NewStore(path)
	require.NoError(t, err)
	assert.Zero(t, s.Prune())
}
