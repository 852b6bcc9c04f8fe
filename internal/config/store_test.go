package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct{ lastMinutes int }

func (f *fakeListener) SetInterval(minutes int) { f.lastMinutes = minutes }

func TestStore_UpdatePersistsAndNotifiesOnIntervalChange(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "runtime.json")

	cfg, err := Load("", "")
	require.NoError(t, err)

	s := NewStore(cfg, docPath, nil)
	listener := &fakeListener{}
	s.OnIntervalChange(listener)

	require.NoError(t, s.Update(func(rc *RuntimeConfig) {
		rc.RefreshIntervalMin = 15
		rc.RPMLimit = 100
	}))

	assert.Equal(t, 15, listener.lastMinutes)
	assert.EqualValues(t, 100, s.Snapshot().Runtime.RPMLimit)

	reloaded, err := Load("", docPath)
	require.NoError(t, err)
	assert.Equal(t, 15, reloaded.Runtime.RefreshIntervalMin)
}

func TestStore_UpdateWithoutIntervalChangeDoesNotNotify(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	s := NewStore(cfg, "", nil)
	listener := &fakeListener{lastMinutes: -1}
	s.OnIntervalChange(listener)

	require.NoError(t, s.Update(func(rc *RuntimeConfig) {
		rc.RPMLimit = 5
	}))

	assert.Equal(t, -1, listener.lastMinutes)
}
