package prefs

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// StateKey holds the serialized Preferences.
	StateKey = "spectralTapestryState"
	// LanguageKey holds the detected or chosen language on its own.
	LanguageKey = "language"
	ThemeKey    = "theme"
)

const (
	English = "en"
	Italian = "it"
)

// Sets lists the poem sets a sort order is kept for.
var Sets = []string{"main", "lupa", "caliope", "experiment", "strands"}

// Preferences is the page state that survives restarts.
type Preferences struct {
	PreferredLanguage string            `json:"preferredLanguage"`
	SortOrders        map[string]string `json:"sortOrders"`
	// LastViewedPoemID is the opaque id of the last opened entry, null if none.
	LastViewedPoemID json.RawMessage `json:"lastViewedPoemId"`
	CurrentPoemSet   string          `json:"currentPoemSet"`
	SavedVolume      float64         `json:"savedVolume"`
}

func Defaults() Preferences {
	sortOrders := make(map[string]string, len(Sets))
	for _, s := range Sets {
		sortOrders[s] = "desc"
	}
	return Preferences{
		PreferredLanguage: English,
		SortOrders:        sortOrders,
		CurrentPoemSet:    "main",
		SavedVolume:       0.3,
	}
}

// CollectionForSet maps a poem set to the content collection it is read from.
func CollectionForSet(set string) string {
	switch set {
	case "main":
		return "poetry"
	case "experiment":
		return "experiments"
	default:
		return set
	}
}

// Load reads the preferences, filling whatever is missing from Defaults.
// A corrupt record is reported together with the defaults.
func Load(s Storage) (Preferences, error) {
	p := Defaults()
	raw, ok, err := s.Get(StateKey)
	if err != nil || !ok {
		return p, err
	}
	var stored struct {
		PreferredLanguage string            `json:"preferredLanguage"`
		SortOrders        map[string]string `json:"sortOrders"`
		LastViewedPoemID  json.RawMessage   `json:"lastViewedPoemId"`
		CurrentPoemSet    string            `json:"currentPoemSet"`
		SavedVolume       *float64          `json:"savedVolume"`
	}
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return p, fmt.Errorf("decode %s: %w", StateKey, err)
	}
	if stored.PreferredLanguage != "" {
		p.PreferredLanguage = stored.PreferredLanguage
	}
	if stored.SortOrders != nil {
		p.SortOrders = stored.SortOrders
	}
	if len(stored.LastViewedPoemID) > 0 && string(stored.LastViewedPoemID) != "null" {
		p.LastViewedPoemID = stored.LastViewedPoemID
	}
	if stored.CurrentPoemSet != "" {
		p.CurrentPoemSet = stored.CurrentPoemSet
	}
	if stored.SavedVolume != nil {
		p.SavedVolume = *stored.SavedVolume
	}
	return p, nil
}

// Save rewrites the whole record.
func Save(s Storage, p Preferences) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Set(StateKey, string(b))
}

// DetectLanguage picks the stored language, or derives one from a locale such as $LANG.
// The detected language is stored.
func DetectLanguage(s Storage, locale string) (string, error) {
	if lang, ok, err := s.Get(LanguageKey); err != nil {
		return English, err
	} else if ok && lang != "" {
		return lang, nil
	}
	lang := English
	if strings.HasPrefix(strings.ToLower(locale), Italian) {
		lang = Italian
	}
	return lang, s.Set(LanguageKey, lang)
}

// PurgePolicy decides which storage keys survive a cache purge.
type PurgePolicy struct {
	Preserve []string
}

// DefaultPurgePolicy keeps only the preferences record.
func DefaultPurgePolicy() PurgePolicy {
	return PurgePolicy{Preserve: []string{StateKey}}
}

func (p PurgePolicy) preserved(key string) bool {
	for _, k := range p.Preserve {
		if k == key {
			return true
		}
	}
	return false
}

// Apply removes every key not preserved and returns the removed keys.
func (p PurgePolicy) Apply(s Storage) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if p.preserved(key) {
			continue
		}
		if err := s.Remove(key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}
