// Package config loads the tapestry-cache configuration: embedded defaults, an optional
// YAML file, then TAPESTRY_* environment variables.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaults []byte

// DateLayout is the layout of calendar dates in the configuration.
const DateLayout = "2006-01-02"

type Config struct {
	Origin string `yaml:"origin" env:"TAPESTRY_ORIGIN"`
	Port   int    `yaml:"port" env:"TAPESTRY_PORT"`

	DB    DBConfig   `yaml:"db" envPrefix:"TAPESTRY_DB_"`
	Tiers TierConfig `yaml:"tiers" envPrefix:"TAPESTRY_TIER_"`

	// Precache is the manifest the static tier is populated with on install.
	Precache    []string `yaml:"precache" env:"TAPESTRY_PRECACHE" envSeparator:","`
	Collections []string `yaml:"collections" env:"TAPESTRY_COLLECTIONS" envSeparator:","`

	ContentRoot   string `yaml:"contentRoot" env:"TAPESTRY_CONTENT_ROOT"`
	AudioRoot     string `yaml:"audioRoot" env:"TAPESTRY_AUDIO_ROOT"`
	AudioStart    string `yaml:"audioStart" env:"TAPESTRY_AUDIO_START"`
	OfflinePage   string `yaml:"offlinePage" env:"TAPESTRY_OFFLINE_PAGE"`
	FallbackImage string `yaml:"fallbackImage" env:"TAPESTRY_FALLBACK_IMAGE"`
	SignalPath    string `yaml:"signalPath" env:"TAPESTRY_SIGNAL_PATH"`

	// RefreshSchedule is the crontab line of the forced page refresh.
	RefreshSchedule string `yaml:"refreshSchedule" env:"TAPESTRY_REFRESH_SCHEDULE"`
	// ContentSyncSchedule is the crontab line of the proxy content sync; empty disables it.
	ContentSyncSchedule string `yaml:"contentSyncSchedule" env:"TAPESTRY_CONTENT_SYNC_SCHEDULE"`

	// PurgePreserve lists the page storage keys kept when caches are purged.
	PurgePreserve []string `yaml:"purgePreserve" env:"TAPESTRY_PURGE_PRESERVE" envSeparator:","`

	// Language forces the page language; empty means detect from the locale.
	Language string `yaml:"language" env:"TAPESTRY_LANGUAGE"`
	// Location is the time zone days are counted in.
	Location string `yaml:"location" env:"TAPESTRY_LOCATION"`
}

type DBConfig struct {
	Content string `yaml:"content" env:"CONTENT"`
	Tiers   string `yaml:"tiers" env:"TIERS"`
	Prefs   string `yaml:"prefs" env:"PREFS"`
}

type TierConfig struct {
	Static string `yaml:"static" env:"STATIC"`
	Audio  string `yaml:"audio" env:"AUDIO"`
	Image  string `yaml:"image" env:"IMAGE"`
	Bound  int    `yaml:"bound" env:"BOUND"`
}

// Names returns the three current tier names.
func (t TierConfig) Names() []string {
	return []string{t.Static, t.Audio, t.Image}
}

// Default returns the embedded defaults.
func Default() Config {
	var c Config
	if err := yaml.Unmarshal(defaults, &c); err != nil {
		panic(fmt.Sprintf("embedded defaults: %v", err))
	}
	return c
}

// Load returns the defaults overlaid with filename (if not empty) and the environment.
func Load(filename string) (Config, error) {
	c := Default()
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// OriginURL parses the origin.
func (c Config) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, errors.New("origin not set")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %q: scheme must be http or https", c.Origin)
	}
	return u, nil
}

func (c Config) AudioStartDate() (time.Time, error) {
	loc, err := c.TimeLocation()
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(DateLayout, c.AudioStart, loc)
}

func (c Config) TimeLocation() (*time.Location, error) {
	if c.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Location)
}

// CollectionPath is the origin path of a collection.
func (c Config) CollectionPath(key string) string {
	return strings.TrimSuffix(c.ContentRoot, "/") + "/" + key + ".json"
}

// Validate reports every problem found.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	seen := make(map[string]bool)
	for _, name := range c.Tiers.Names() {
		if name == "" {
			errs = append(errs, errors.New("tier name empty"))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("tier name %q used twice", name))
		}
		seen[name] = true
	}
	if c.Tiers.Bound <= 0 {
		errs = append(errs, fmt.Errorf("tier bound %d must be positive", c.Tiers.Bound))
	}
	if len(c.Collections) == 0 {
		errs = append(errs, errors.New("no collections"))
	}
	if !strings.HasPrefix(c.AudioRoot, "/") {
		errs = append(errs, fmt.Errorf("audio root %q must start with /", c.AudioRoot))
	}
	if _, err := c.TimeLocation(); err != nil {
		errs = append(errs, err)
	} else if _, err := c.AudioStartDate(); err != nil {
		errs = append(errs, fmt.Errorf("audio start: %w", err))
	}
	if c.RefreshSchedule == "" {
		errs = append(errs, errors.New("refresh schedule empty"))
	}
	return errors.Join(errs...)
}
