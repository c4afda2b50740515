package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luban-ide/luban-core/internal/model"
)

func TestLoad_ReturnsDefaultsWhenNoFileExists(t *testing.T) {
	store, err := NewSettingsStore(t.TempDir())
	require.NoError(t, err)

	settings, active, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.Settings{}, settings)
	assert.Nil(t, active)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	require.NoError(t, err)

	settings := model.Settings{Appearance: model.AppearanceSettings{Theme: "dark", GlobalZoom: 1.25}}
	active := map[int64]int64{1: 42}
	require.NoError(t, store.Save(settings, active))

	got, gotActive, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, settings, got)
	assert.Equal(t, active, gotActive)
}

func TestSave_WritesProtocolVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(model.Settings{}, nil))

	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"protocolVersion": 1`)
}
