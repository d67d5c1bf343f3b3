package page

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/tapestry-cache/pkg/messaging"
	"github.com/always-cache/tapestry-cache/prefs"
	"github.com/always-cache/tapestry-cache/store"
)

var collections = []string{"poetry", "caliope", "lupa", "experiments", "strands"}

type fakeContent struct {
	mu      sync.Mutex
	fail    map[string]bool
	fetched []string
	// when gate is set, every fetch reports on entered and waits for gate to close
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeContent) Fetch(ctx context.Context, key string) (store.Snapshot, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, key)
	if f.fail[key] {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, key)
	}
	return store.Snapshot{json.RawMessage(fmt.Sprintf(`{"collection":%q}`, key))}, nil
}

func (f *fakeContent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type recordingPrompter struct {
	answer    bool
	questions []Question
}

func (r *recordingPrompter) Confirm(_ context.Context, q Question) (bool, error) {
	r.questions = append(r.questions, q)
	return r.answer, nil
}

type fixture struct {
	page     *Page
	store    *store.Store
	storage  *prefs.SQLiteStorage
	content  *fakeContent
	prompter *recordingPrompter
	reloads  chan struct{}
	now      time.Time
}

func newFixture(t *testing.T, client *messaging.Client) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	st := store.New("", &logger)
	require.NoError(t, st.Open(context.Background()))
	storage, err := prefs.NewSQLiteStorage("")
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		storage.Close()
	})
	f := &fixture{
		store:    st,
		storage:  storage,
		content:  &fakeContent{fail: map[string]bool{}},
		prompter: &recordingPrompter{},
		reloads:  make(chan struct{}, 4),
		now:      time.Date(2025, time.January, 10, 9, 30, 0, 0, time.UTC),
	}
	f.page = New(Config{
		Store:       st,
		Storage:     storage,
		Content:     f.content,
		Client:      client,
		Prompter:    f.prompter,
		Collections: collections,
		AudioRoot:   "/audio/",
		AudioStart:  time.Date(2024, time.October, 24, 0, 0, 0, 0, time.UTC),
		Location:    time.UTC,
		Locale:      "en_US.UTF-8",
		Reload:      func(context.Context) { f.reloads <- struct{}{} },
		Now:         func() time.Time { return f.now },
		Logger:      &logger,
	})
	return f
}

func TestIsStale(t *testing.T) {
	loc := time.UTC
	today := time.Date(2025, time.January, 10, 0, 1, 0, 0, loc)
	assert.True(t, IsStale(time.Date(2025, time.January, 9, 23, 59, 0, 0, loc), today, loc))
	assert.True(t, IsStale(time.Date(2024, time.December, 31, 12, 0, 0, 0, loc), today, loc))
	assert.False(t, IsStale(time.Date(2025, time.January, 10, 0, 0, 0, 0, loc), today, loc))
	assert.False(t, IsStale(time.Date(2025, time.January, 10, 23, 0, 0, 0, loc), today, loc))
}

func TestIsStaleUsesLocation(t *testing.T) {
	rome := time.FixedZone("CET", 3600)
	// 23:30 UTC on the 9th is already the 10th in Rome
	last := time.Date(2025, time.January, 9, 23, 30, 0, 0, time.UTC)
	now := time.Date(2025, time.January, 10, 8, 0, 0, 0, time.UTC)
	assert.True(t, IsStale(last, now, time.UTC))
	assert.False(t, IsStale(last, now, rome))
}

func TestGenerateAudioFileList(t *testing.T) {
	files := GenerateAudioFileList("/audio/",
		time.Date(2024, time.October, 24, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.October, 26, 18, 45, 0, 0, time.UTC))
	assert.Equal(t, []string{
		"/audio/24_October_2024.m4a",
		"/audio/25_October_2024.m4a",
		"/audio/26_October_2024.m4a",
	}, files)

	files = GenerateAudioFileList("/audio", time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"/audio/31_December_2024.m4a", "/audio/1_January_2025.m4a"}, files)

	assert.Empty(t, GenerateAudioFileList("/audio/", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRefreshSurvivesOneFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	previous := store.Snapshot{json.RawMessage(`{"old":true}`)}
	require.NoError(t, f.store.Put(ctx, "lupa", previous))
	f.content.fail["lupa"] = true

	var flags []bool
	f.page.Updating().Subscribe(func(v bool) { flags = append(flags, v) })

	loaded := f.page.Refresh(ctx)
	assert.Len(t, loaded, 4)
	assert.Equal(t, collections, f.content.fetched, "collections are fetched in order")
	assert.Equal(t, []bool{true, false}, flags)
	assert.False(t, f.page.Updating().Get())

	last, ok, err := f.store.GetLastRefresh(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.now.Equal(last))

	for _, key := range collections {
		got, ok, err := f.store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, key)
		if key == "lupa" {
			assert.Equal(t, previous, got)
		} else {
			assert.Equal(t, store.Snapshot{json.RawMessage(fmt.Sprintf(`{"collection":%q}`, key))}, got)
		}
	}
}

func TestRefreshInjectsPuzzleInMemoryOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	loaded := f.page.Refresh(ctx)

	experiments := loaded["experiments"]
	require.Len(t, experiments, 2)
	assert.JSONEq(t, string(puzzleEntry), string(experiments[0]))
	assert.True(t, HasPuzzle(experiments))

	stored, _, err := f.store.Get(ctx, "experiments")
	require.NoError(t, err)
	assert.False(t, HasPuzzle(stored))
	assert.False(t, HasPuzzle(loaded["poetry"]))
}

func TestWithPuzzleDoesNotDuplicate(t *testing.T) {
	s := WithPuzzle(store.Snapshot{json.RawMessage(`{"date_en":"1 January 2025"}`)})
	require.Len(t, s, 2)
	assert.Len(t, WithPuzzle(s), 2)
}

func TestFreshnessFirstRunIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.prompter.answer = false
	f.page.CheckFreshness(context.Background(), "en")
	assert.Empty(t, f.prompter.questions)
	assert.Equal(t, 5, f.content.count())
}

func TestFreshnessStalePrompts(t *testing.T) {
	for _, answer := range []bool{false, true} {
		t.Run(fmt.Sprint(answer), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			require.NoError(t, f.store.SetLastRefresh(ctx, f.now.AddDate(0, 0, -1)))
			f.prompter.answer = answer

			f.page.CheckFreshness(ctx, "it")

			require.Len(t, f.prompter.questions, 1)
			assert.Equal(t, "Nuovi contenuti disponibili, vuoi aggiornare?", f.prompter.questions[0].Text)
			assert.Equal(t, "Sì", f.prompter.questions[0].Yes)
			if answer {
				assert.Equal(t, 5, f.content.count())
			} else {
				assert.Zero(t, f.content.count())
			}
		})
	}
}

func TestFreshnessSameDayDoesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SetLastRefresh(ctx, time.Date(2025, time.January, 10, 0, 0, 1, 0, time.UTC)))
	f.page.CheckFreshness(ctx, "en")
	assert.Empty(t, f.prompter.questions)
	assert.Zero(t, f.content.count())
}

func TestFreshnessSwallowsStoreErrors(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Close())
	f.page.CheckFreshness(context.Background(), "en")
	assert.Zero(t, f.content.count())
}

func TestInitDetectsLanguage(t *testing.T) {
	f := newFixture(t, nil)
	f.page.cfg.Locale = "it_IT.UTF-8"
	require.NoError(t, f.page.Init(context.Background()))
	assert.Equal(t, "it", f.page.Language())
	assert.Equal(t, "main", f.page.Preferences().CurrentPoemSet)
	assert.Equal(t, 5, f.content.count(), "first start refreshes silently")
}

func TestSetLanguageIsStored(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.page.SetLanguage("it"))
	lang, _, _ := f.storage.Get(prefs.LanguageKey)
	assert.Equal(t, "it", lang)
	saved, err := prefs.Load(f.storage)
	require.NoError(t, err)
	assert.Equal(t, "it", saved.PreferredLanguage)
}

func TestLoadCollectionFallsBackToFetch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	got, err := f.page.LoadCollection(ctx, "experiments")
	require.NoError(t, err)
	assert.True(t, HasPuzzle(got))
	assert.Equal(t, 1, f.content.count())

	stored, ok, err := f.store.Get(ctx, "experiments")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, HasPuzzle(stored))

	_, err = f.page.LoadCollection(ctx, "experiments")
	require.NoError(t, err)
	assert.Equal(t, 1, f.content.count(), "second load is served from the store")

	f.content.fail["strands"] = true
	_, err = f.page.LoadCollection(ctx, "strands")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestLoadCurrentSet(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.page.UpdatePreferences(func(p *prefs.Preferences) { p.CurrentPoemSet = "main" }))
	_, err := f.page.LoadCurrentSet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"poetry"}, f.content.fetched)
}

func TestResetCacheRefusedWhileUpdating(t *testing.T) {
	f := newFixture(t, nil)
	f.prompter.answer = true
	f.page.updating.Set(true)
	assert.False(t, f.page.ResetCache(context.Background(), "en"))
	assert.Empty(t, f.prompter.questions)
}

func TestResetCacheDeclined(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, "poetry", store.Snapshot{}))
	assert.False(t, f.page.ResetCache(ctx, "en"))
	require.Len(t, f.prompter.questions, 1)
	assert.Equal(t, "This will reset the entire cache, are you sure?", f.prompter.questions[0].Text)
	_, ok, _ := f.store.Get(ctx, "poetry")
	assert.True(t, ok)
}

func TestResetCacheWithoutProxyReloadsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.prompter.answer = true
	require.NoError(t, f.store.Put(ctx, "poetry", store.Snapshot{}))
	require.NoError(t, f.store.SetLastRefresh(ctx, f.now))
	require.NoError(t, prefs.Save(f.storage, prefs.Defaults()))
	require.NoError(t, f.storage.Set(prefs.ThemeKey, "dark"))

	assert.True(t, f.page.ResetCache(ctx, "it"))
	assert.Len(t, f.reloads, 1)
	assert.Equal(t, "Questo ripristinerà l'intera cache, sei sicuro?", f.prompter.questions[0].Text)

	_, ok, _ := f.store.Get(ctx, "poetry")
	assert.False(t, ok)
	_, ok, _ = f.store.GetLastRefresh(ctx)
	assert.False(t, ok)
	keys, _ := f.storage.Keys()
	assert.Equal(t, []string{prefs.StateKey}, keys)
	assert.False(t, f.page.Updating().Get())
}

func TestResetCacheWaitsForRunningRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.content.entered = make(chan struct{}, len(collections))
	f.content.gate = make(chan struct{})
	refreshed := make(chan struct{})
	f.page.cfg.Prompter = PrompterFunc(func(context.Context, Question) (bool, error) {
		// a scheduled refresh starts while the question is open
		go func() {
			f.page.Refresh(ctx)
			close(refreshed)
		}()
		<-f.content.entered
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(f.content.gate)
		}()
		return true, nil
	})

	assert.True(t, f.page.ResetCache(ctx, "en"))
	<-refreshed
	_, ok, err := f.store.GetLastRefresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the store was cleared after the refresh finished")
	_, ok, err = f.store.Get(ctx, "poetry")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, f.page.Updating().Get())
}

func TestResetCacheWaitsForProxy(t *testing.T) {
	bus := messaging.NewBus(4)
	bus.Claim()
	f := newFixture(t, bus.Connect())
	f.prompter.answer = true

	go func() {
		env := <-bus.Mailbox()
		if env.Message.Action == messaging.ActionClearCaches {
			env.Reply.Send(context.Background(), messaging.Message{Action: messaging.ActionCachesCleared})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, f.page.ResetCache(ctx, "en"))
	assert.Len(t, f.reloads, 1)
}

func TestCacheAudioFilesPostsList(t *testing.T) {
	bus := messaging.NewBus(4)
	f := newFixture(t, bus.Connect())
	ctx := context.Background()

	assert.ErrorIs(t, f.page.CacheAudioFiles(ctx), ErrNoProxy)

	bus.Claim()
	require.NoError(t, f.store.SetLastRefresh(ctx, time.Date(2024, time.October, 26, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, f.page.CacheAudioFiles(ctx))
	env := <-bus.Mailbox()
	assert.Equal(t, messaging.ActionCacheAudioFiles, env.Message.Action)
	assert.Equal(t, []string{
		"/audio/24_October_2024.m4a",
		"/audio/25_October_2024.m4a",
		"/audio/26_October_2024.m4a",
	}, env.Message.Files)
}

func TestRunPurgesAndReloadsOnCachesCleared(t *testing.T) {
	bus := messaging.NewBus(4)
	f := newFixture(t, bus.Connect())
	require.NoError(t, prefs.Save(f.storage, prefs.Defaults()))
	require.NoError(t, f.storage.Set(prefs.LanguageKey, "it"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.page.Run(ctx)

	assert.Equal(t, 1, bus.Broadcast(ctx, messaging.Message{Action: messaging.ActionCachesCleared}))
	select {
	case <-f.reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("page did not reload")
	}
	keys, _ := f.storage.Keys()
	assert.Equal(t, []string{prefs.StateKey}, keys)
}

func TestContentClient(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/json/poetry.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1},{"id":2}]`))
	})
	r.Get("/json/lupa.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	client := NewContentClient(server.URL, "/json/")
	defer client.Close()

	snapshot, err := client.Fetch(context.Background(), "poetry")
	require.NoError(t, err)
	assert.Equal(t, store.Snapshot{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}, snapshot)

	_, err = client.Fetch(context.Background(), "lupa")
	assert.ErrorIs(t, err, ErrFetchFailed)
	_, err = client.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("sì\nno\n"), Out: &out}
	q := newQuestion("it", msgNewContent)

	yes, err := p.Confirm(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, yes)
	no, err := p.Confirm(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, no)
	assert.Contains(t, out.String(), "Nuovi contenuti disponibili, vuoi aggiornare? [Sì/No]")

	_, err = p.Confirm(context.Background(), q)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminalPrompterAfterCancel(t *testing.T) {
	in, typed := io.Pipe()
	defer typed.Close()
	p := &TerminalPrompter{In: in, Out: io.Discard}
	q := newQuestion("en", msgResetCache)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Confirm(ctx, q)
	assert.ErrorIs(t, err, context.Canceled)

	// both questions are answered, one line each, by the single reader
	answers := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			yes, err := p.Confirm(context.Background(), q)
			assert.NoError(t, err)
			answers <- yes
		}()
	}
	_, err = io.WriteString(typed, "yes\nno\n")
	require.NoError(t, err)

	got := []bool{<-answers, <-answers}
	assert.ElementsMatch(t, []bool{true, false}, got)
}
