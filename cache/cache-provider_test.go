package cache

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqliteFile, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "tiers.db"))
	require.NoError(t, err)
	sqliteMem, err := NewSQLiteProvider("")
	require.NoError(t, err)
	t.Cleanup(func() {
		sqliteFile.Close()
		sqliteMem.Close()
	})
	return map[string]Provider{
		"memory":        NewMemProvider(),
		"sqlite":        sqliteFile,
		"sqlite-memory": sqliteMem,
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("image-cache-v1")
			require.NoError(t, err)
			for i := 0; i < 55; i++ {
				require.NoError(t, tier.Put(fmt.Sprintf("GET /images/%d.png", i), []byte{byte(i)}))
			}
			removed, err := tier.Trim(50)
			require.NoError(t, err)
			assert.Equal(t, 5, removed)

			keys, err := tier.Keys()
			require.NoError(t, err)
			require.Len(t, keys, 50)
			assert.Equal(t, "GET /images/5.png", keys[0])
			assert.Equal(t, "GET /images/54.png", keys[49])

			_, ok, err := tier.Get("GET /images/4.png")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTrimUnderLimitIsNoop(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("audio-cache-v3")
			require.NoError(t, err)
			require.NoError(t, tier.Put("a", nil))
			removed, err := tier.Trim(50)
			require.NoError(t, err)
			assert.Zero(t, removed)
			n, err := tier.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestPutExistingKeyBecomesNewest(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("site-cache-v4")
			require.NoError(t, err)
			require.NoError(t, tier.Put("a", []byte("1")))
			require.NoError(t, tier.Put("b", []byte("2")))
			require.NoError(t, tier.Put("a", []byte("3")))

			keys, err := tier.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a"}, keys)

			b, ok, err := tier.Get("a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "3", string(b))

			_, err = tier.Trim(1)
			require.NoError(t, err)
			keys, _ = tier.Keys()
			assert.Equal(t, []string{"a"}, keys)
		})
	}
}

func TestTiersAreIndependent(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			site, _ := p.Open("site-cache-v4")
			audio, _ := p.Open("audio-cache-v3")
			require.NoError(t, site.Put("k", []byte("site")))
			require.NoError(t, audio.Put("k", []byte("audio")))

			ok, err := p.Delete("audio-cache-v3")
			require.NoError(t, err)
			assert.True(t, ok)

			b, found, err := site.Get("k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "site", string(b))

			_, found, err = audio.Get("k")
			require.NoError(t, err)
			assert.False(t, found)

			names, err := p.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"site-cache-v4"}, names)

			ok, err = p.Delete("audio-cache-v3")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutRecreatesDeletedTier(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, _ := p.Open("image-cache-v1")
			_, err := p.Delete("image-cache-v1")
			require.NoError(t, err)
			require.NoError(t, tier.Put("k", []byte("v")))
			has, err := p.Has("image-cache-v1")
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestReadsDoNotRecreateDeletedTier(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("site-cache-v4")
			require.NoError(t, err)
			require.NoError(t, tier.Put("GET /", []byte("root")))

			// a lookup holding a name listed before the tier was cleared
			h := p.Handle("site-cache-v4")
			_, err = DeleteAll(p)
			require.NoError(t, err)

			_, ok, err := h.Get("GET /")
			require.NoError(t, err)
			assert.False(t, ok)
			n, err := h.Len()
			require.NoError(t, err)
			assert.Zero(t, n)
			_, ok, err = Match(p, "GET /")
			require.NoError(t, err)
			assert.False(t, ok)

			names, err := p.Names()
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestMatchAndDeleteHelpers(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			old, _ := p.Open("site-cache-v3")
			cur, _ := p.Open("site-cache-v4")
			require.NoError(t, old.Put("GET /", []byte("old")))
			require.NoError(t, cur.Put("GET /style.css", []byte("css")))

			b, ok, err := Match(p, "GET /style.css")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "css", string(b))

			deleted, err := DeleteExcept(p, "site-cache-v4", "audio-cache-v3")
			require.NoError(t, err)
			assert.Equal(t, []string{"site-cache-v3"}, deleted)

			_, ok, err = Match(p, "GET /")
			require.NoError(t, err)
			assert.False(t, ok)

			deleted, err = DeleteAll(p)
			require.NoError(t, err)
			assert.Equal(t, []string{"site-cache-v4"}, deleted)
			names, _ := p.Names()
			assert.Empty(t, names)
		})
	}
}
