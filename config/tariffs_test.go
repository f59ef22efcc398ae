package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tariffsYAML = `tariffs:
  - key: 30_days
    days: 30
    stars_price: 200
    rub_price: 300
    name: "30 дней"
  - key: 7_days
    days: 7
    stars_price: 50
    rub_price: 80
    name: "7 дней"
`

func writeTariffs(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTariffsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tariffs.yaml")
	writeTariffs(t, path, tariffsYAML)
	return path
}

func TestFileTariffsLoad(t *testing.T) {
	ft, err := NewFileTariffs(newTariffsFile(t))
	require.NoError(t, err)

	got, ok := ft.Get("7_days")
	require.True(t, ok)
	assert.Equal(t, 7, got.Days)
	assert.Equal(t, 50, got.StarsPrice)
	assert.EqualValues(t, 8000, got.RubKopecks())

	_, ok = ft.Get("14_days")
	assert.False(t, ok, "встроенные тарифы не подмешиваются к файлу")

	all := ft.All()
	require.Len(t, all, 2)
	assert.Equal(t, "7_days", all[0].Key)
	assert.Equal(t, "30_days", all[1].Key)
}

func TestFileTariffsDefaults(t *testing.T) {
	ft, err := NewFileTariffs("")
	require.NoError(t, err)
	assert.Len(t, ft.All(), len(DefaultTariffs()))
	assert.NoError(t, ft.Reload())

	_, err = NewFileTariffs(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFileTariffsRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tariffs.yaml")
	writeTariffs(t, path, "tariffs:\n  - key: broken\n    days: 0\n    stars_price: 10\n")
	_, err := NewFileTariffs(path)
	assert.Error(t, err)
}

func TestFileTariffsHotReload(t *testing.T) {
	path := newTariffsFile(t)
	ft, err := NewFileTariffs(path)
	require.NoError(t, err)

	writeTariffs(t, path, `tariffs:
  - key: 30_days
    days: 30
    stars_price: 250
    rub_price: 350
`)
	assert.Eventually(t, func() bool {
		got, ok := ft.Get("30_days")
		return ok && got.RubPrice == 350
	}, 5*time.Second, 20*time.Millisecond)

	_, ok := ft.Get("7_days")
	assert.False(t, ok)
}

func TestFileTariffsReloadKeepsPreviousOnError(t *testing.T) {
	path := newTariffsFile(t)
	ft, err := NewFileTariffs(path)
	require.NoError(t, err)

	writeTariffs(t, path, "tariffs:\n  - key: 7_days\n    days: -1\n    stars_price: 50\n")
	assert.Error(t, ft.Reload())
	got, ok := ft.Get("7_days")
	require.True(t, ok)
	assert.Equal(t, 7, got.Days)

	writeTariffs(t, path, "tariffs: [unclosed")
	assert.Error(t, ft.Reload())
	assert.Len(t, ft.All(), 2)

	writeTariffs(t, path, "tariffs:\n  - key: 7_days\n    days: 10\n    stars_price: 60\n")
	require.NoError(t, ft.Reload())
	got, _ = ft.Get("7_days")
	assert.Equal(t, 10, got.Days)
	assert.Len(t, ft.All(), 1)
}
