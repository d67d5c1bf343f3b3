package tapestrycache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/tapestry-cache/pkg/messaging"
)

// fetchLimit caps concurrent origin requests of background jobs.
const fetchLimit = 4

// Run handles page messages until ctx ends. Every message is handled in its own goroutine;
// WaitIdle waits for them.
func (a *Proxy) Run(ctx context.Context) {
	a.log.Info().Msg("Starting message loop")
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-a.bus.Mailbox():
			a.pending.Add(1)
			go func() {
				defer a.pending.Done()
				a.handle(ctx, env)
			}()
		}
	}
}

func (a *Proxy) handle(ctx context.Context, env messaging.Envelope) {
	log := a.log.With().Str("action", string(env.Message.Action)).Logger()
	log.Debug().Msg("Received message")

	switch env.Message.Action {
	case messaging.ActionCacheAudioFiles:
		if err := a.CacheAudioFiles(ctx, env.Message.Files); err != nil {
			log.Error().Err(err).Msg("Could not cache audio files")
		}
		if env.Source != nil {
			if err := env.Source.Send(ctx, messaging.Message{Action: messaging.ActionCacheAudioFilesComplete}); err != nil {
				log.Warn().Err(err).Msg("Could not notify client")
			}
		}
	case messaging.ActionClearCaches:
		if err := a.ClearCaches(); err != nil {
			log.Error().Err(err).Msg("Could not clear tiers")
		}
		if env.Reply != nil {
			if err := env.Reply.Send(ctx, messaging.Message{Action: messaging.ActionCachesCleared}); err != nil {
				log.Warn().Err(err).Msg("Could not answer on reply port")
			}
		}
	case messaging.ActionUpdateContent:
		if err := a.UpdateContent(ctx); err != nil {
			log.Error().Err(err).Msg("Could not update content")
		}
		if env.Source != nil {
			if err := env.Source.Send(ctx, messaging.Message{Action: messaging.ActionUpdateContentComplete}); err != nil {
				log.Warn().Err(err).Msg("Could not notify client")
			}
		}
	default:
		log.Warn().Msg("Ignoring unknown message")
	}
}

// CacheAudioFiles stores the audio files not yet in the audio tier. Only the last Bound
// files are considered, the tier is written in list order so the newest date is evicted last.
// Files that fail are skipped.
func (a *Proxy) CacheAudioFiles(ctx context.Context, files []string) error {
	if len(files) > a.cfg.Bound {
		files = files[len(files)-a.cfg.Bound:]
	}
	tier, err := a.tiers.Open(a.cfg.AudioTier)
	if err != nil {
		return err
	}

	entries := make([][]byte, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	for i, path := range files {
		_, cached, err := tier.Get(a.keyer.PathKey(path))
		if err != nil {
			return err
		}
		if cached {
			continue
		}
		g.Go(func() error {
			requestedAt := time.Now()
			res, err := a.get(gctx, path)
			if err != nil {
				a.log.Warn().Err(err).Str("file", path).Msg("Could not fetch audio file")
				return nil
			}
			if !isOK(res.StatusCode) {
				a.log.Warn().Int("status", res.StatusCode).Str("file", path).Msg("Audio file not available")
				return nil
			}
			if entries[i], err = encode(res, requestedAt); err != nil {
				a.log.Warn().Err(err).Str("file", path).Msg("Could not encode audio file")
			}
			return nil
		})
	}
	// workers never fail, only the context can end the group early
	g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := 0
	for i, path := range files {
		if entries[i] == nil {
			continue
		}
		if err := tier.Put(a.keyer.PathKey(path), entries[i]); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		stored++
	}
	removed, err := tier.Trim(a.cfg.Bound)
	if err != nil {
		return err
	}
	a.log.Info().Int("stored", stored).Int("evicted", removed).Msg("Caching audio files done")
	return nil
}

// UpdateContent re-fetches the content collections into the static tier. A failing
// collection does not stop the others; the first error is returned.
func (a *Proxy) UpdateContent(ctx context.Context) error {
	var firstErr error
	for _, path := range a.cfg.ContentPaths {
		requestedAt := time.Now()
		res, err := a.get(ctx, path)
		if err == nil && !isOK(res.StatusCode) {
			err = fmt.Errorf("%w: %s: status %d", ErrFetchFailed, path, res.StatusCode)
		}
		var b []byte
		if err == nil {
			b, err = encode(res, requestedAt)
		}
		if err == nil {
			err = a.put(a.cfg.StaticTier, a.keyer.PathKey(path), b)
		}
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("Could not update content")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a.log.Debug().Str("path", path).Msg("Updated content")
	}
	return firstErr
}
