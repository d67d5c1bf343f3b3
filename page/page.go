// Package page is the page context: it owns the local structured store and the page storage,
// keeps content fresh and talks to the proxy only through messages.
package page

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/tapestry-cache/pkg/messaging"
	"github.com/always-cache/tapestry-cache/pkg/observable"
	"github.com/always-cache/tapestry-cache/prefs"
	"github.com/always-cache/tapestry-cache/store"
)

var ErrNoProxy = errors.New("no active proxy")

type Config struct {
	Store   ContentStore
	Storage prefs.Storage
	Content ContentFetcher
	// Client connects the page to the proxy; nil when there is none.
	Client   *messaging.Client
	Prompter Prompter

	Collections []string
	AudioRoot   string
	AudioStart  time.Time
	// Location is where days begin and end; defaults to local time.
	Location    *time.Location
	PurgePolicy prefs.PurgePolicy

	// Locale drives language detection when no language is stored, e.g. $LANG.
	Locale string
	// Language, if set, overrides the stored and detected language.
	Language string

	// Reload starts the page over; nil means Init.
	Reload func(ctx context.Context)
	// Notify is called after every change of the updating flag.
	Notify func()
	Now    func() time.Time
	Logger *zerolog.Logger
}

type Page struct {
	cfg       Config
	logger    zerolog.Logger
	updating  *observable.Cell[bool]
	refresher *Refresher
	refreshMu sync.Mutex

	mu       sync.RWMutex
	language string
	prefs    prefs.Preferences
}

func New(cfg Config) *Page {
	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "page").Logger()
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Prompter == nil {
		cfg.Prompter = Always(false)
	}
	if cfg.PurgePolicy.Preserve == nil {
		cfg.PurgePolicy = prefs.DefaultPurgePolicy()
	}
	p := &Page{
		cfg:      cfg,
		logger:   logger,
		updating: observable.New(false),
		language: prefs.English,
		prefs:    prefs.Defaults(),
	}
	p.refresher = &Refresher{
		Store:       cfg.Store,
		Content:     cfg.Content,
		Collections: cfg.Collections,
		Updating:    p.updating,
		Notify:      cfg.Notify,
		Now:         cfg.Now,
		Logger:      logger,
	}
	return p
}

// Updating is the read-only view of the updating flag.
func (p *Page) Updating() observable.Reader[bool] {
	return p.updating.ReadOnly()
}

// Language is the current page language.
func (p *Page) Language() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.language
}

func (p *Page) Preferences() prefs.Preferences {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prefs
}

// UpdatePreferences applies fn and rewrites the stored record.
func (p *Page) UpdatePreferences(fn func(*prefs.Preferences)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.prefs)
	return prefs.Save(p.cfg.Storage, p.prefs)
}

// SetLanguage switches the page language and stores it.
func (p *Page) SetLanguage(lang string) error {
	if err := p.cfg.Storage.Set(prefs.LanguageKey, lang); err != nil {
		return err
	}
	p.mu.Lock()
	p.language = lang
	p.mu.Unlock()
	return p.UpdatePreferences(func(pr *prefs.Preferences) { pr.PreferredLanguage = lang })
}

// Init is the page start: open the store, read the preferences, check freshness and ask the
// proxy to pre-cache audio. Only a store failure is returned; everything else is logged.
func (p *Page) Init(ctx context.Context) error {
	storeErr := p.cfg.Store.Open(ctx)
	if storeErr != nil {
		p.logger.Error().Err(storeErr).Msg("Could not open content store")
	}
	p.loadPreferences()
	if storeErr == nil {
		p.CheckFreshness(ctx, p.Language())
		if err := p.CacheAudioFiles(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Audio files not cached")
		}
	}
	return storeErr
}

func (p *Page) loadPreferences() {
	loaded, err := prefs.Load(p.cfg.Storage)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Could not read saved state")
	}
	lang := p.cfg.Language
	if lang == "" {
		if lang, err = prefs.DetectLanguage(p.cfg.Storage, p.cfg.Locale); err != nil {
			p.logger.Warn().Err(err).Msg("Could not store language")
		}
	}
	p.mu.Lock()
	p.prefs = loaded
	p.language = lang
	p.mu.Unlock()
	p.logger.Debug().Str("language", lang).Str("set", loaded.CurrentPoemSet).Msg("Preferences loaded")
}

// LastRefresh reads the time of the last bulk refresh from the store.
func (p *Page) LastRefresh(ctx context.Context) (time.Time, bool, error) {
	return p.cfg.Store.GetLastRefresh(ctx)
}

// CheckFreshness refreshes the content when it was last refreshed on an earlier day.
// The first refresh is silent; later ones ask in lang first.
func (p *Page) CheckFreshness(ctx context.Context, lang string) {
	last, ok, err := p.cfg.Store.GetLastRefresh(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not check freshness")
		return
	}
	if !ok {
		p.logger.Info().Msg("No content cached yet")
		p.Refresh(ctx)
		return
	}
	if !IsStale(last, p.cfg.Now(), p.cfg.Location) {
		p.logger.Trace().Time("lastRefresh", last).Msg("Content is fresh")
		return
	}
	confirmed, err := p.cfg.Prompter.Confirm(ctx, newQuestion(lang, msgNewContent))
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not ask for refresh")
		return
	}
	if !confirmed {
		p.logger.Info().Msg("User chose not to refresh cache")
		return
	}
	p.Refresh(ctx)
}

// Refresh runs a bulk refresh. Concurrent calls run one after the other.
func (p *Page) Refresh(ctx context.Context) map[string]store.Snapshot {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	return p.refresher.Run(ctx)
}

// LoadCollection returns the stored snapshot of the collection, fetching and storing it
// when missing.
func (p *Page) LoadCollection(ctx context.Context, key string) (store.Snapshot, error) {
	snapshot, ok, err := p.cfg.Store.Get(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Str("collection", key).Msg("Could not read collection, fetching")
	}
	if !ok {
		if snapshot, err = p.cfg.Content.Fetch(ctx, key); err != nil {
			p.logger.Error().Err(err).Str("collection", key).Msg("Could not load collection")
			return nil, err
		}
		if err := p.cfg.Store.Put(ctx, key, snapshot); err != nil {
			p.logger.Warn().Err(err).Str("collection", key).Msg("Could not store collection")
		}
	}
	if key == PuzzleCollection {
		snapshot = WithPuzzle(snapshot)
	}
	return snapshot, nil
}

// LoadCurrentSet loads the collection of the current poem set.
func (p *Page) LoadCurrentSet(ctx context.Context) (store.Snapshot, error) {
	return p.LoadCollection(ctx, prefs.CollectionForSet(p.Preferences().CurrentPoemSet))
}

func (p *Page) proxy() (*messaging.Client, bool) {
	if p.cfg.Client == nil || !p.cfg.Client.Controlled() {
		return nil, false
	}
	return p.cfg.Client, true
}

// CacheAudioFiles asks the proxy to cache the audio of every day up to the last refresh.
func (p *Page) CacheAudioFiles(ctx context.Context) error {
	client, ok := p.proxy()
	if !ok {
		return ErrNoProxy
	}
	last, ok, err := p.cfg.Store.GetLastRefresh(ctx)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Warn().Msg("No last refresh, no audio to cache")
		return nil
	}
	files := GenerateAudioFileList(p.cfg.AudioRoot, p.cfg.AudioStart.In(p.cfg.Location), last)
	p.logger.Debug().Int("files", len(files)).Msg("Requesting audio caching")
	return client.Post(ctx, messaging.Message{Action: messaging.ActionCacheAudioFiles, Files: files}, nil)
}

// RequestContentUpdate asks the proxy to re-fetch every collection into its tiers.
func (p *Page) RequestContentUpdate(ctx context.Context) error {
	client, ok := p.proxy()
	if !ok {
		return ErrNoProxy
	}
	return client.Post(ctx, messaging.Message{Action: messaging.ActionUpdateContent}, nil)
}

// ResetCache asks in lang whether to wipe every cache, then clears the store, the page
// storage and the proxy tiers, and reloads. It does nothing while an update runs and
// reports whether a reset happened.
func (p *Page) ResetCache(ctx context.Context, lang string) bool {
	if p.updating.Get() {
		p.logger.Info().Msg("Update in progress, not resetting")
		return false
	}
	confirmed, err := p.cfg.Prompter.Confirm(ctx, newQuestion(lang, msgResetCache))
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not ask for reset")
		return false
	}
	if !confirmed {
		p.logger.Info().Msg("User chose not to reset cache")
		return false
	}

	// a refresh started while the question was open finishes before anything is cleared
	p.refreshMu.Lock()
	p.setUpdating(true)
	cleared := p.clearAll(ctx)
	p.setUpdating(false)
	p.refreshMu.Unlock()
	if cleared {
		p.reload(ctx)
	}
	return cleared
}

// clearAll reports whether the page should reload.
func (p *Page) clearAll(ctx context.Context) bool {
	if err := p.cfg.Store.Clear(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Error clearing cache")
		return false
	}
	p.purgeStorage()

	client, ok := p.proxy()
	if !ok {
		return true
	}
	reply := messaging.NewPort()
	if err := client.Post(ctx, messaging.Message{Action: messaging.ActionClearCaches}, reply); err != nil {
		p.logger.Error().Err(err).Msg("Could not ask proxy to clear caches")
		return false
	}
	for {
		select {
		case msg := <-reply:
			if msg.Action == messaging.ActionCachesCleared {
				p.logger.Info().Msg("Proxy caches cleared")
				return true
			}
		case <-ctx.Done():
			p.logger.Warn().Err(ctx.Err()).Msg("Gave up waiting for proxy")
			return false
		}
	}
}

func (p *Page) purgeStorage() {
	removed, err := p.cfg.PurgePolicy.Apply(p.cfg.Storage)
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not purge page storage")
		return
	}
	p.logger.Debug().Strs("keys", removed).Msg("Page storage purged")
}

func (p *Page) setUpdating(v bool) {
	p.updating.Set(v)
	if p.cfg.Notify != nil {
		p.cfg.Notify()
	}
}

func (p *Page) reload(ctx context.Context) {
	p.logger.Info().Msg("Reloading")
	if p.cfg.Reload != nil {
		p.cfg.Reload(ctx)
		return
	}
	p.Init(ctx)
}

// Run handles messages from the proxy until ctx ends.
func (p *Page) Run(ctx context.Context) {
	if p.cfg.Client == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.cfg.Client.Inbox():
			p.handleMessage(ctx, msg)
		}
	}
}

func (p *Page) handleMessage(ctx context.Context, msg messaging.Message) {
	switch msg.Action {
	case messaging.ActionCachesCleared:
		p.logger.Info().Msg("Caches have been cleared")
		p.purgeStorage()
		go p.reload(ctx)
	case messaging.ActionCacheAudioFilesComplete:
		p.logger.Info().Msg("Audio files caching complete")
	case messaging.ActionUpdateContentComplete:
		p.logger.Info().Msg("Content update complete")
	default:
		p.logger.Debug().Str("action", string(msg.Action)).Msg("Ignoring message")
	}
}
