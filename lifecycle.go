package tapestrycache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/tapestry-cache/cache"
	"github.com/always-cache/tapestry-cache/pkg/messaging"
)

// State is the lifecycle state of the proxy.
type State int32

const (
	StateInstalling State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Signal is the answer of the purge endpoint.
type Signal struct {
	ShouldClearCaches bool `json:"shouldClearCaches"`
}

// Start installs and activates the proxy.
func (a *Proxy) Start(ctx context.Context) error {
	if err := a.Install(ctx); err != nil {
		return err
	}
	a.Activate(ctx)
	return nil
}

// Install stores the precache manifest into the static tier.
// Either every entry is stored or none is.
func (a *Proxy) Install(ctx context.Context) error {
	a.setState(StateInstalling)
	manifest := a.cfg.Precache
	entries := make([][]byte, len(manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range manifest {
		g.Go(func() error {
			requestedAt := time.Now()
			res, err := a.get(gctx, path)
			if err != nil {
				return err
			}
			if !isOK(res.StatusCode) {
				return fmt.Errorf("%w: %s: status %d", ErrFetchFailed, path, res.StatusCode)
			}
			entries[i], err = encode(res, requestedAt)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Error().Err(err).Msg("Could not fetch precache manifest")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	tier, err := a.tiers.Open(a.cfg.StaticTier)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	for i, path := range manifest {
		if err := tier.Put(a.keyer.PathKey(path), entries[i]); err != nil {
			// take back what was written so far
			for _, written := range manifest[:i] {
				tier.Delete(a.keyer.PathKey(written))
			}
			a.log.Error().Err(err).Str("path", path).Msg("Could not store precache manifest")
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
	}
	a.log.Info().Int("entries", len(manifest)).Str("tier", a.cfg.StaticTier).Msg("Caching static assets done")
	return nil
}

// Activate removes tiers of other versions, runs the purge check and takes over requests.
// A failing purge check does not stop activation.
func (a *Proxy) Activate(ctx context.Context) {
	a.setState(StateActivating)
	deleted, err := cache.DeleteExcept(a.tiers, a.cfg.StaticTier, a.cfg.AudioTier, a.cfg.ImageTier)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not delete old tiers")
	}
	for _, name := range deleted {
		a.log.Info().Str("tier", name).Msg("Deleted old tier")
	}

	if _, err := a.CheckPurge(ctx); err != nil {
		a.log.Error().Err(err).Msg("Purge check failed, continuing")
	}

	a.setState(StateActive)
	a.bus.Claim()
}

// CheckPurge asks the signal endpoint whether every tier must go. When it must, all tiers
// are deleted and every connected page is told. It reports whether tiers were cleared.
func (a *Proxy) CheckPurge(ctx context.Context) (bool, error) {
	if a.cfg.SignalPath == "" {
		return false, nil
	}
	res, err := a.get(ctx, a.cfg.SignalPath)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPurgeCheckFailed, err)
	}
	defer res.Body.Close()
	if !isOK(res.StatusCode) {
		return false, fmt.Errorf("%w: status %d", ErrPurgeCheckFailed, res.StatusCode)
	}
	var sig Signal
	if err := json.NewDecoder(res.Body).Decode(&sig); err != nil {
		return false, fmt.Errorf("%w: %w", ErrPurgeCheckFailed, err)
	}
	if !sig.ShouldClearCaches {
		a.log.Debug().Msg("No purge requested")
		return false, nil
	}

	a.log.Info().Msg("Clearing all tiers as directed by signal")
	if err := a.ClearCaches(); err != nil {
		return false, err
	}
	n := a.bus.Broadcast(ctx, messaging.Message{Action: messaging.ActionCachesCleared})
	a.log.Info().Int("clients", n).Msg("Notified clients of cleared caches")
	return true, nil
}

// ClearCaches deletes every tier, whatever its version.
func (a *Proxy) ClearCaches() error {
	deleted, err := cache.DeleteAll(a.tiers)
	for _, name := range deleted {
		a.log.Debug().Str("tier", name).Msg("Deleted tier")
	}
	return err
}

// Release gives up control of the pages; they stop posting messages to the proxy.
// Requests are still served.
func (a *Proxy) Release() {
	a.bus.Release()
	a.log.Info().Msg("Released pages")
}
