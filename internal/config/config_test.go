package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.NotEmpty(t, cfg.Map.Venues)
	assert.NotEmpty(t, cfg.Fallback)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.RefreshCron, again.RefreshCron)
	assert.Equal(t, len(cfg.Map.Venues), len(again.Map.Venues))
}

func TestLoad_NormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
timezone: Asia/Seoul
feeds:
  - url: https://example.com/a.ics
    name: Alpha
  - url: https://example.com/b.ics
    id: beta
geocoder:
  rate_per_second: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", cfg.Timezone)
	assert.Equal(t, defaultHorizonDays, cfg.HorizonDays)
	assert.Equal(t, defaultRate, cfg.Geocoder.RatePerSecond)
	assert.Equal(t, defaultConcurrency, cfg.Geocoder.Concurrency)
	require.Len(t, cfg.Feeds, 2)
	assert.Equal(t, "Alpha", cfg.Feeds[0].FeedID())
	assert.Equal(t, "beta", cfg.Feeds[1].FeedID())
	assert.NotEmpty(t, cfg.Map.Venues, "absent venues get defaults")
	assert.NotEmpty(t, cfg.Fallback, "absent fallback gets defaults")
	require.Len(t, cfg.Regions, 2, "absent regions get defaults")
	assert.Equal(t, "bangalore", cfg.Regions[0].ID)
	assert.Contains(t, cfg.Regions[0].Aliases, "bengaluru")
}

func TestLoad_RegionsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "regions:\n  - id: NYC\n    aliases: [\" New York \", Brooklyn]\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Regions, 1)
	assert.Equal(t, RegionConfig{ID: "nyc", Name: "nyc", Aliases: []string{"new york", "brooklyn"}}, cfg.Regions[0])
}

func TestLoad_ExplicitEmptyListsStayEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "map:\n  venues: []\nfallback_events: []\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Map.Venues)
	assert.NotNil(t, cfg.Map.Venues)
	assert.Empty(t, cfg.Fallback)
}

func TestLoad_RejectsInvalidFeeds(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", "feeds:\n  - id: a\n"},
		{"bad scheme", "feeds:\n  - url: ftp://example.com/a.ics\n"},
		{"no host", "feeds:\n  - url: https:///a.ics\n"},
		{"duplicate id", "feeds:\n  - url: https://a.com/x.ics\n    id: x\n  - url: https://b.com/y.ics\n    id: x\n"},
		{"bad timezone", "timezone: Mars/Olympus\n"},
		{"bad refresh", "refresh: every now and then\n"},
		{"region without aliases", "regions:\n  - id: x\n"},
		{"duplicate region", "regions:\n  - id: x\n    aliases: [a]\n  - id: X\n    aliases: [b]\n"},
		{"reserved region id", "regions:\n  - id: all\n    aliases: [a]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := &Config{FetchTimeout: "3s", Geocoder: GeocoderConfig{Timeout: "bogus"}}
	assert.Equal(t, 3*time.Second, cfg.FetchTimeoutDuration())
	assert.Equal(t, defaultGeocodeTimeout, cfg.GeocodeTimeoutDuration())

	cfg.FetchTimeout = "-1s"
	assert.Equal(t, defaultFetchTimeout, cfg.FetchTimeoutDuration())
}

func TestFeedID(t *testing.T) {
	assert.Equal(t, "id", FeedConfig{ID: "id", Name: "n", URL: "u"}.FeedID())
	assert.Equal(t, "n", FeedConfig{Name: "n", URL: "u"}.FeedID())
	assert.Equal(t, "u", FeedConfig{URL: "u"}.FeedID())
}

func TestSave_Atomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Feeds = []FeedConfig{{URL: "https://example.com/cal.ics", ID: "main"}}
	require.NoError(t, cfg.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Feeds, 1)
	assert.Equal(t, "main", loaded.Feeds[0].ID)
}
