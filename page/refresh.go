package page

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/tapestry-cache/pkg/observable"
	"github.com/always-cache/tapestry-cache/store"
)

// PuzzleCollection is the collection the puzzle entry belongs to.
const PuzzleCollection = "experiments"

const puzzleDate = "14 December 2024"

var puzzleEntry = json.RawMessage(`{"title_en":"15 Puzzle","title_it":"Gioco del 15",` +
	`"date_en":"14 December 2024","date_it":"14 Dicembre 2024",` +
	`"poem_en":"YOUMAKEMEWEAK ","poem_it":"TIINDEBOLISCO ","puzzle_content":true}`)

// HasPuzzle reports whether the snapshot already carries the puzzle entry.
func HasPuzzle(s store.Snapshot) bool {
	for _, record := range s {
		var r struct {
			DateEN string `json:"date_en"`
			Puzzle bool   `json:"puzzle_content"`
		}
		if json.Unmarshal(record, &r) == nil && r.DateEN == puzzleDate && r.Puzzle {
			return true
		}
	}
	return false
}

// WithPuzzle returns a copy of s with the puzzle entry in front, unless already present.
func WithPuzzle(s store.Snapshot) store.Snapshot {
	if HasPuzzle(s) {
		return s
	}
	out := make(store.Snapshot, 0, len(s)+1)
	out = append(out, puzzleEntry)
	return append(out, s...)
}

// ContentStore is the part of the local structured store the page uses.
type ContentStore interface {
	Open(ctx context.Context) error
	Get(ctx context.Context, key string) (store.Snapshot, bool, error)
	Put(ctx context.Context, key string, snapshot store.Snapshot) error
	GetLastRefresh(ctx context.Context) (time.Time, bool, error)
	SetLastRefresh(ctx context.Context, t time.Time) error
	Clear(ctx context.Context) error
}

// Refresher is the bulk refresh operation: every collection is fetched and stored in turn,
// then the last refresh time is stamped.
type Refresher struct {
	Store       ContentStore
	Content     ContentFetcher
	Collections []string
	// Updating is raised for the whole run.
	Updating *observable.Cell[bool]
	// Notify is called after each change of Updating.
	Notify func()
	Now    func() time.Time
	Logger zerolog.Logger
}

func (r *Refresher) setUpdating(v bool) {
	r.Updating.Set(v)
	if r.Notify != nil {
		r.Notify()
	}
}

// Run never fails: collections that cannot be fetched or stored keep their previous snapshot.
// It returns the in-memory copies of the refreshed collections.
func (r *Refresher) Run(ctx context.Context) map[string]store.Snapshot {
	r.setUpdating(true)
	defer r.setUpdating(false)

	loaded := make(map[string]store.Snapshot, len(r.Collections))
	for _, key := range r.Collections {
		snapshot, err := r.Content.Fetch(ctx, key)
		if err != nil {
			r.Logger.Error().Err(err).Str("collection", key).Msg("Could not fetch collection")
			continue
		}
		if err := r.Store.Put(ctx, key, snapshot); err != nil {
			r.Logger.Error().Err(err).Str("collection", key).Msg("Could not store collection")
			continue
		}
		if key == PuzzleCollection {
			snapshot = WithPuzzle(snapshot)
		}
		loaded[key] = snapshot
		r.Logger.Debug().Str("collection", key).Int("records", len(snapshot)).Msg("Collection refreshed")
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if err := r.Store.SetLastRefresh(ctx, now()); err != nil {
		r.Logger.Error().Err(err).Msg("Could not stamp last refresh")
	}
	r.Logger.Info().Int("refreshed", len(loaded)).Int("collections", len(r.Collections)).Msg("Content refresh done")
	return loaded
}
