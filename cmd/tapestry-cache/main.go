package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	tapestrycache "github.com/always-cache/tapestry-cache"
	"github.com/always-cache/tapestry-cache/cache"
	"github.com/always-cache/tapestry-cache/config"
	"github.com/always-cache/tapestry-cache/page"
	"github.com/always-cache/tapestry-cache/prefs"
	"github.com/always-cache/tapestry-cache/store"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	hostFlag           string
	promptFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

const startRetryDelay = 30 * time.Second

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file (defaults are built in)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&promptFlag, "prompt", "ask", "Answer to refresh and reset questions: ask, yes or no")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	originURL, _ := cfg.OriginURL()
	audioStart, err := cfg.AudioStartDate()
	if err != nil {
		return fmt.Errorf("audio start: %w", err)
	}
	loc, err := cfg.TimeLocation()
	if err != nil {
		return fmt.Errorf("location: %w", err)
	}

	tiers, err := cache.NewSQLiteProvider(cfg.DB.Tiers)
	if err != nil {
		return fmt.Errorf("open tiers: %w", err)
	}
	defer tiers.Close()
	storage, err := prefs.NewSQLiteStorage(cfg.DB.Prefs)
	if err != nil {
		return fmt.Errorf("open page storage: %w", err)
	}
	defer storage.Close()
	contentStore := store.New(cfg.DB.Content, &log.Logger)
	defer contentStore.Close()

	contentPaths := make([]string, 0, len(cfg.Collections))
	for _, key := range cfg.Collections {
		contentPaths = append(contentPaths, cfg.CollectionPath(key))
	}
	proxy := tapestrycache.CreateProxy(tapestrycache.Config{
		Tiers:         tiers,
		OriginURL:     *originURL,
		OriginHost:    hostFlag,
		Logger:        &log.Logger,
		StaticTier:    cfg.Tiers.Static,
		AudioTier:     cfg.Tiers.Audio,
		ImageTier:     cfg.Tiers.Image,
		Bound:         cfg.Tiers.Bound,
		Precache:      cfg.Precache,
		ContentPaths:  contentPaths,
		AudioRoot:     cfg.AudioRoot,
		OfflinePage:   cfg.OfflinePage,
		FallbackImage: cfg.FallbackImage,
		SignalPath:    cfg.SignalPath,
	})

	srv := &server{proxy: proxy}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.routes(log.Logger),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, originURL.String(), hostFlag)
		serveErr <- httpServer.ListenAndServe()
	}()

	ctab := crontab.New()
	defer ctab.Shutdown()

	go proxy.Run(ctx)
	// connected before activation, so a purge broadcast waits in the page's inbox
	client := proxy.Bus().Connect()
	go func() {
		if !startProxy(ctx, proxy) {
			return
		}
		content := page.NewContentClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port), cfg.ContentRoot)
		defer content.Close()
		p := page.New(page.Config{
			Store:       contentStore,
			Storage:     storage,
			Content:     content,
			Client:      client,
			Prompter:    prompter(),
			Collections: cfg.Collections,
			AudioRoot:   cfg.AudioRoot,
			AudioStart:  audioStart,
			Location:    loc,
			PurgePolicy: prefs.PurgePolicy{Preserve: cfg.PurgePreserve},
			Locale:      os.Getenv("LANG"),
			Language:    cfg.Language,
			Logger:      &log.Logger,
		})
		if err := p.Init(ctx); err != nil {
			log.Error().Err(err).Msg("Page started without content store")
		}
		srv.page.Store(p)
		scheduleJobs(ctx, ctab, cfg, proxy, p)
		p.Run(ctx)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	proxy.Release()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	proxy.WaitIdle()
	return nil
}

// startProxy retries Start until it succeeds or ctx ends.
func startProxy(ctx context.Context, proxy *tapestrycache.Proxy) bool {
	for {
		err := proxy.Start(ctx)
		if err == nil {
			return true
		}
		log.Error().Err(err).Msgf("Could not start proxy, retrying in %s", startRetryDelay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(startRetryDelay):
		}
	}
}

func scheduleJobs(ctx context.Context, ctab *crontab.Crontab, cfg config.Config, proxy *tapestrycache.Proxy, p *page.Page) {
	if cfg.RefreshSchedule != "" {
		err := ctab.AddJob(cfg.RefreshSchedule, func() {
			log.Info().Msg("Scheduled refresh")
			forcedRefresh(ctx, p)
		})
		if err != nil {
			log.Error().Err(err).Str("schedule", cfg.RefreshSchedule).Msg("Could not schedule refresh")
		}
	}
	if cfg.ContentSyncSchedule != "" {
		err := ctab.AddJob(cfg.ContentSyncSchedule, func() {
			log.Info().Msg("Scheduled content sync")
			if err := p.RequestContentUpdate(ctx); err != nil {
				log.Warn().Err(err).Msg("Could not request content sync")
			}
		})
		if err != nil {
			log.Error().Err(err).Str("schedule", cfg.ContentSyncSchedule).Msg("Could not schedule content sync")
		}
	}
}

// forcedRefresh refreshes without asking, whatever the day of the last refresh,
// then asks the proxy for the audio files up to today.
func forcedRefresh(ctx context.Context, p *page.Page) {
	p.Refresh(ctx)
	if err := p.CacheAudioFiles(ctx); err != nil {
		log.Warn().Err(err).Msg("Audio files not cached")
	}
}

func prompter() page.Prompter {
	switch promptFlag {
	case "yes":
		return page.Always(true)
	case "no":
		return page.Always(false)
	default:
		return &page.TerminalPrompter{In: os.Stdin, Out: os.Stdout}
	}
}
