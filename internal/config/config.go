package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// FeedConfig describes a single calendar feed subscription.
type FeedConfig struct {
	// URL is the iCalendar subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup tie-breaks and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
}

// PlaceConfig pins a free-text address to known coordinates so the
// network geocoder is never asked about it.
type PlaceConfig struct {
	Address string  `yaml:"address" json:"address"`
	Lat     float64 `yaml:"lat" json:"lat"`
	Lng     float64 `yaml:"lng" json:"lng"`
}

// GeocoderConfig configures address resolution.
type GeocoderConfig struct {
	// Endpoint is a Nominatim-compatible search URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// UserAgent is sent with every lookup; public Nominatim requires one.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// Timeout bounds a single lookup (Go duration string).
	Timeout string `yaml:"timeout" json:"timeout"`
	// RatePerSecond caps outgoing lookups.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Concurrency bounds parallel lookups per ingestion cycle.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// CacheDB is the SQLite file used to persist successful lookups.
	// Set to "-" to keep the cache in memory only.
	CacheDB string `yaml:"cache_db" json:"cache_db"`
	// KnownPlaces are consulted before the network geocoder.
	KnownPlaces []PlaceConfig `yaml:"known_places" json:"known_places"`
}

// VenueConfig is a fixed venue marker shown regardless of events.
type VenueConfig struct {
	Name        string  `yaml:"name" json:"name"`
	Address     string  `yaml:"address" json:"address"`
	Description string  `yaml:"description" json:"description"`
	URL         string  `yaml:"url" json:"url"`
	Lat         float64 `yaml:"lat" json:"lat"`
	Lng         float64 `yaml:"lng" json:"lng"`
}

// MapConfig controls the initial camera and the select transition.
type MapConfig struct {
	CenterLat   float64       `yaml:"center_lat" json:"center_lat"`
	CenterLng   float64       `yaml:"center_lng" json:"center_lng"`
	InitialZoom float64       `yaml:"initial_zoom" json:"initial_zoom"`
	SelectZoom  float64       `yaml:"select_zoom" json:"select_zoom"`
	Venues      []VenueConfig `yaml:"venues" json:"venues"`
}

// FallbackEvent is one entry of the static demo dataset used when every
// feed fails. Start accepts any format understood by dateparse.
type FallbackEvent struct {
	Name     string  `yaml:"name" json:"name"`
	Start    string  `yaml:"start" json:"start"`
	Location string  `yaml:"location" json:"location"`
	URL      string  `yaml:"url" json:"url"`
	Lat      float64 `yaml:"lat" json:"lat"`
	Lng      float64 `yaml:"lng" json:"lng"`
}

// RegionConfig is a named area the event list can be narrowed to. An event
// belongs to a region when its location mentions one of the aliases as a
// whole word or phrase.
type RegionConfig struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases" json:"aliases"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as canonical display zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic ingestion cycles.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds recurrence expansion into the future.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// BackfillDays bounds recurrence expansion into the past.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// MaxOccurrences caps expansion of a single recurring event.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// FetchTimeout bounds a single feed fetch (Go duration string).
	FetchTimeout string `yaml:"fetch_timeout" json:"fetch_timeout"`

	// CacheDir holds conditional-GET metadata and bodies per feed URL.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Feeds is the ordered list of calendar feeds. Order matters: on
	// duplicates the earlier feed wins.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	Geocoder GeocoderConfig `yaml:"geocoder" json:"geocoder"`

	Map MapConfig `yaml:"map" json:"map"`

	Fallback []FallbackEvent `yaml:"fallback_events" json:"fallback_events"`

	// Regions drive the city filter of the event list.
	Regions []RegionConfig `yaml:"regions" json:"regions"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "UTC"
	defaultRefreshCron    = "*/15 * * * *"
	defaultCenterLat      = 12.9325
	defaultCenterLng      = 77.635
	defaultHorizonDays    = 60
	defaultBackfillDays   = 1
	defaultMaxOccurrences = 500
	defaultFetchTimeout   = 15 * time.Second
	defaultGeocodeTimeout = 10 * time.Second
	defaultEndpoint       = "https://nominatim.openstreetmap.org/search"
	defaultUserAgent      = "eventmap/0.1 (+https://github.com/eventmap)"
	defaultRate           = 1.0
	defaultConcurrency    = 4
	defaultSelectZoom     = 18
	defaultInitialZoom    = 12.5
)

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "eventmap", "config.yaml")
}

// DefaultCacheDir returns the per-user feed cache directory.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "eventmap", "feeds")
}

// DefaultGeocodeDB returns the per-user geocode cache database path.
func DefaultGeocodeDB() string {
	return filepath.Join(xdg.DataHome, "eventmap", "geocode.db")
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		RefreshCron:    defaultRefreshCron,
		HorizonDays:    defaultHorizonDays,
		BackfillDays:   defaultBackfillDays,
		MaxOccurrences: defaultMaxOccurrences,
		FetchTimeout:   defaultFetchTimeout.String(),
		CacheDir:       DefaultCacheDir(),
		LogLevel:       "info",
		Feeds:          []FeedConfig{},
		Geocoder: GeocoderConfig{
			Endpoint:      defaultEndpoint,
			UserAgent:     defaultUserAgent,
			Timeout:       defaultGeocodeTimeout.String(),
			RatePerSecond: defaultRate,
			Concurrency:   defaultConcurrency,
			CacheDB:       DefaultGeocodeDB(),
			KnownPlaces:   []PlaceConfig{},
		},
		Map: MapConfig{
			CenterLat:   defaultCenterLat,
			CenterLng:   defaultCenterLng,
			InitialZoom: defaultInitialZoom,
			SelectZoom:  defaultSelectZoom,
			Venues:      defaultVenues(),
		},
		Fallback:  defaultFallback(),
		Regions:   defaultRegions(),
		BasicAuth: nil,
	}
}

func defaultVenues() []VenueConfig {
	return []VenueConfig{
		{
			Name:        "Zo House SF",
			Address:     "300 4th St, San Francisco, CA 94107, United States",
			Description: "Zo House San Francisco",
			URL:         "https://zo.house",
			Lat:         37.7817309,
			Lng:         -122.401198,
		},
		{
			Name:        "Zo House Koramangala",
			Address:     "S-1, P-2, Anaa Infra's Signature Towers, 1st Block Koramangala, Bengaluru, Karnataka 560095, India",
			Description: "Zo House Bangalore",
			URL:         "https://zo.house",
			Lat:         12.9325,
			Lng:         77.635,
		},
		{
			Name:        "Zo House Whitefield",
			Address:     "Outer Circle, Dodsworth Layout, Whitefield, Bengaluru, Karnataka, India",
			Description: "Zo House Whitefield",
			URL:         "https://zo.house",
			Lat:         12.9725,
			Lng:         77.745,
		},
	}
}

func defaultFallback() []FallbackEvent {
	return []FallbackEvent{
		{
			Name:     "Community Sesh",
			Start:    "2025-07-23T16:20:00Z",
			Location: "Zo House Bangalore (Koramangala)",
			URL:      "https://lu.ma/example1",
			Lat:      12.9278,
			Lng:      77.6271,
		},
		{
			Name:     "Zo-work",
			Start:    "2025-07-24T09:00:00-07:00",
			Location: "Zo House, 300 4th St, San Francisco, CA 94107, USA",
			URL:      "https://lu.ma/example2",
			Lat:      37.7749,
			Lng:      -122.4194,
		},
	}
}

func defaultRegions() []RegionConfig {
	return []RegionConfig{
		{ID: "bangalore", Name: "Bangalore", Aliases: []string{"bangalore", "bengaluru"}},
		{ID: "sanfrancisco", Name: "San Francisco", Aliases: []string{"san francisco", "sf"}},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.FetchTimeout == "" {
		c.FetchTimeout = defaultFetchTimeout.String()
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}

	g := &c.Geocoder
	if g.Endpoint == "" {
		g.Endpoint = defaultEndpoint
	}
	if g.UserAgent == "" {
		g.UserAgent = defaultUserAgent
	}
	if g.Timeout == "" {
		g.Timeout = defaultGeocodeTimeout.String()
	}
	if g.RatePerSecond <= 0 {
		g.RatePerSecond = defaultRate
	}
	if g.Concurrency <= 0 {
		g.Concurrency = defaultConcurrency
	}
	if g.CacheDB == "" {
		g.CacheDB = DefaultGeocodeDB()
	}

	if c.Map.SelectZoom <= 0 {
		c.Map.SelectZoom = defaultSelectZoom
	}
	if c.Map.InitialZoom <= 0 {
		c.Map.InitialZoom = defaultInitialZoom
	}
	if c.Map.CenterLat == 0 && c.Map.CenterLng == 0 {
		c.Map.CenterLat, c.Map.CenterLng = defaultCenterLat, defaultCenterLng
	}
	// Absent lists get the built-in defaults; an explicit empty list
	// disables them.
	if c.Map.Venues == nil {
		c.Map.Venues = defaultVenues()
	}
	if c.Fallback == nil {
		c.Fallback = defaultFallback()
	}
	if c.Regions == nil {
		c.Regions = defaultRegions()
	}
	for i := range c.Regions {
		r := &c.Regions[i]
		r.ID = strings.ToLower(strings.TrimSpace(r.ID))
		if r.Name == "" {
			r.Name = r.ID
		}
		for j, a := range r.Aliases {
			r.Aliases[j] = strings.ToLower(strings.TrimSpace(a))
		}
	}
}

// FetchTimeoutDuration parses FetchTimeout, falling back to the default.
func (c *Config) FetchTimeoutDuration() time.Duration {
	return parseDurationDefault(c.FetchTimeout, defaultFetchTimeout)
}

// GeocodeTimeoutDuration parses Geocoder.Timeout, falling back to the default.
func (c *Config) GeocodeTimeoutDuration() time.Duration {
	return parseDurationDefault(c.Geocoder.Timeout, defaultGeocodeTimeout)
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FeedID returns the identifier used for a feed: ID, then Name, then URL.
func (f FeedConfig) FeedID() string {
	if f.ID != "" {
		return f.ID
	}
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate checks that feeds are well-formed http(s) URLs with unique IDs.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("feed %d: url is required", i)
		}
		u, err := url.Parse(f.URL)
		if err != nil {
			return fmt.Errorf("feed %d: invalid url: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "webcal" {
			return fmt.Errorf("feed %d: url scheme must be http, https or webcal, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("feed %d: url has no host", i)
		}
		id := f.FeedID()
		if seen[id] {
			return fmt.Errorf("feed %d: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	regions := make(map[string]bool, len(c.Regions))
	for i, r := range c.Regions {
		if r.ID == "" || r.ID == "all" {
			return fmt.Errorf("region %d: id must be set and not %q", i, "all")
		}
		if regions[r.ID] {
			return fmt.Errorf("region %d: duplicate id %q", i, r.ID)
		}
		regions[r.ID] = true
		if !slices.ContainsFunc(r.Aliases, func(a string) bool { return a != "" }) {
			return fmt.Errorf("region %q: at least one alias is required", r.ID)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("refresh %q: %w", c.RefreshCron, err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If path is empty, DefaultConfigPath is used.
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".eventmap-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
