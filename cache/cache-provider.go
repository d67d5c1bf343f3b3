package cache

import "fmt"

// Provider manages the named tiers of the proxy.
// Tiers are independent: deleting one never touches the others.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the named tier, creating it if it does not exist yet.
	Open(name string) (Tier, error)
	// Handle returns the named tier without creating it. Reads of a missing tier find
	// nothing; a Put creates it.
	Handle(name string) Tier
	// Names returns the names of all existing tiers in creation order.
	Names() ([]string, error)
	// Has checks if the named tier exists.
	Has(name string) (bool, error)
	// Delete removes the tier with all its entries.
	// It reports whether a tier was removed.
	Delete(name string) (bool, error)
}

// Tier stores captured responses keyed by request identity.
// Entries are kept in insertion order; putting an existing key replaces the entry
// and makes it the newest.
//
// A Tier is a handle: after the tier is deleted, a Put creates it again.
type Tier interface {
	Name() string
	// Get returns the stored bytes for the key, if present.
	Get(key string) ([]byte, bool, error)
	// Put stores bytes under key as the newest entry.
	Put(key string, bytes []byte) error
	// Delete removes the entry for the key and reports whether it existed.
	Delete(key string) (bool, error)
	// Keys returns all keys, oldest first.
	Keys() ([]string, error)
	// Len returns the number of entries.
	Len() (int, error)
	// Trim evicts the oldest entries until at most max remain.
	// It returns the number of evicted entries.
	Trim(max int) (int, error)
}

// Match looks the key up in every existing tier, in creation order,
// and returns the first hit.
func Match(p Provider, key string) ([]byte, bool, error) {
	names, err := p.Names()
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		// the tier may be gone by now, reading must not bring it back
		if b, ok, err := p.Handle(name).Get(key); err != nil {
			return nil, false, fmt.Errorf("tier %s: %w", name, err)
		} else if ok {
			return b, true, nil
		}
	}
	return nil, false, nil
}

// DeleteAll removes every tier the provider knows about, whatever its name.
// It returns the deleted names.
func DeleteAll(p Provider) ([]string, error) {
	names, err := p.Names()
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if ok, err := p.Delete(name); err != nil {
			return deleted, err
		} else if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

// DeleteExcept removes every tier not named in keep and returns the deleted names.
func DeleteExcept(p Provider, keep ...string) ([]string, error) {
	names, err := p.Names()
	if err != nil {
		return nil, err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		if ok, err := p.Delete(name); err != nil {
			return deleted, err
		} else if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
