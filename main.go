package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rc_tracker/api"
	"rc_tracker/auth"
	"rc_tracker/config"
	"rc_tracker/httputil"
	"rc_tracker/logging"
	"rc_tracker/models"
	"rc_tracker/notify"
	"rc_tracker/scheduler"
	"rc_tracker/scraper"
	"rc_tracker/services"
	"rc_tracker/storage"
	"rc_tracker/workers"
)

var (
	runOnce    = flag.Bool("run-once", false, "Run the pipeline once and exit")
	moduleFlag = flag.String("module", "", "Comma-separated modules to run: cruise,addons,offers")
	configPath = flag.String("config", "", "Path to the YAML config (default config.yaml or CONFIG_PATH)")
	testNotify = flag.Bool("test-notify", false, "Send a test message to every notification channel and exit")
	serveAddr  = flag.String("serve", "", "HTTP API listen address (overrides API_ADDR)")
	sendCmd    = flag.String("send", "", "Queue a command (run_now or purge) for the running daemon and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogPath, cfg.LogMaxBytes, cfg.LogBackups)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting rc_tracker...")

	kinds, err := models.ParseKinds(*moduleFlag)
	if err != nil {
		log.Fatalf("Invalid -module: %v", err)
	}

	watchlist, err := services.BuildWatchlist(cfg.File)
	if err != nil {
		log.Fatalf("Invalid watchlist: %v", err)
	}
	counts := watchlist.Counts()
	log.Printf("Watching %d items (%d cruises, %d add-on accounts, %d offer accounts)",
		len(watchlist.Items), counts[models.KindCruise], counts[models.KindAddons], counts[models.KindOffers])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite always holds the command queue; history goes to Postgres when configured.
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)

	if *sendCmd != "" {
		cmd := models.CommandType(*sendCmd)
		if cmd != models.CmdRunNow && cmd != models.CmdPurge {
			log.Fatalf("Unknown command %q", *sendCmd)
		}
		var params *models.CommandParams
		if len(kinds) > 0 {
			params = &models.CommandParams{Modules: kinds}
		}
		id, err := sqliteStore.EnqueueCommand(cmd, params)
		if err != nil {
			log.Fatalf("Failed to queue command: %v", err)
		}
		log.Printf("Queued %s (id %d)", cmd, id)
		return
	}

	var history storage.HistoryStore = sqliteStore
	if cfg.DatabaseURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pgStore.Close()
		history = pgStore
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
	}

	dispatcher := buildDispatcher(cfg, history)

	if *testNotify {
		if err := dispatcher.SendTest(ctx); err != nil {
			log.Fatalf("Test notification failed: %v", err)
		}
		log.Println("Test notification sent")
		return
	}

	settings := cfg.File.Settings
	clients := httputil.NewClients(cfg.Scraper.Proxy, settings.FetchTimeoutDuration())
	if cfg.Scraper.Proxy != "" {
		log.Printf("Proxy: %s", maskConnectionString(cfg.Scraper.Proxy))
	}
	limiter := scraper.NewHostLimiter(cfg.Scraper.RequestEvery, 1)

	renderer, err := scraper.NewRenderer(cfg.Scraper.Renderer, cfg.Scraper.ChromePath, settings.FetchTimeoutDuration())
	if err != nil {
		log.Fatalf("Failed to set up renderer: %v", err)
	}
	if c, ok := renderer.(io.Closer); ok {
		defer c.Close()
	}

	offersURL := cfg.File.CasinoTracking.URL
	if offersURL == "" {
		offersURL = scraper.DefaultOffersURL
	}
	adapters := []scraper.Adapter{
		scraper.NewCruiseHandler(clients.Scraping, limiter),
		scraper.NewCatalogHandler(clients.API, limiter, cfg.Scraper.CatalogAPIBase, cfg.Auth.AppKey),
		scraper.NewOfferHandler(renderer, offersURL).WithAPI(scraper.OfferAPI{
			Client:    clients.API,
			Limiter:   limiter,
			APIBase:   cfg.Scraper.CatalogAPIBase,
			OffersURL: cfg.Scraper.OffersAPIURL,
			AppKey:    cfg.Auth.AppKey,
		}),
	}

	sessions := auth.NewCache(
		auth.NewOAuthProvider(clients.API, nil, cfg.Auth.OAuthClientAuth),
		watchlist.Credentials,
	)

	opts := scraper.Options{
		MaxConcurrency: settings.MaxConcurrency,
		FetchTimeout:   settings.FetchTimeoutDuration(),
	}
	if cfg.RedisURL != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		opts.Lock = storage.NewRedisLock(rdb, time.Minute)
		opts.LockRefresh = 20 * time.Second
		log.Println("Redis run lock enabled")
	}
	if cfg.S3.Bucket != "" {
		archiver, err := storage.NewS3Archiver(ctx, storage.S3Config(cfg.S3))
		if err != nil {
			log.Fatalf("Failed to set up S3 archive: %v", err)
		}
		opts.Archiver = archiver
		log.Printf("Archiving run summaries to s3://%s/%s", cfg.S3.Bucket, cfg.S3.Prefix)
	}

	orchestrator := scraper.NewOrchestrator(history, adapters, sessions, dispatcher, watchlist.Items, opts)

	if *runOnce {
		log.Println("Running pipeline...")
		state, err := orchestrator.RunNow(ctx, kinds...)
		if err != nil {
			log.Fatalf("Run failed to start: %v", err)
		}
		log.Printf("Run %s finished: %s", state.RunID, state.Status)
		if state.Status == models.RunStatusFailed {
			os.Exit(1)
		}
		return
	}

	// Daemon mode
	retention := workers.NewRetentionWorker(history, settings.HistoryDays())
	retention.SetLogger(workers.StdLogger)
	go retention.Run(ctx, 24*time.Hour)

	sched := scheduler.New(orchestrator, sqliteStore, scheduler.Options{
		Times:    cfg.File.Schedule.Times,
		Timezone: cfg.File.Schedule.Timezone,
		Cron:     cfg.Scheduler.Cron,
		Interval: cfg.Scheduler.Interval,
		Modules:  kinds,
	})
	sched.SetRetention(retention)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	addr := cfg.APIAddr
	if *serveAddr != "" {
		addr = *serveAddr
	}
	srv := api.NewServer(addr, api.NewHandler(ctx, orchestrator))
	go func() {
		log.Printf("API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	cancel()
	log.Println("Goodbye!")
}

// buildDispatcher wires the configured channels. The log channel is on unless
// disabled, so alerts are never silently dropped.
func buildDispatcher(cfg *config.Config, store notify.Store) *notify.Dispatcher {
	byName := make(map[string]notify.Channel)
	var channels []notify.Channel
	register := func(ch notify.Channel) {
		byName[ch.Name()] = ch
		channels = append(channels, ch)
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Printf("Warning: Telegram disabled: %v", err)
		} else {
			register(tg)
		}
	}
	webhookClient := &http.Client{Timeout: 15 * time.Second}
	for _, wh := range cfg.File.Notifications.Webhooks {
		register(notify.NewWebhookChannel(wh.Name, wh.URL, webhookClient))
	}
	if config.Enabled(cfg.File.Notifications.Log) {
		register(notify.LogChannel{})
	}

	settings := cfg.File.Settings
	d := notify.NewDispatcher(store, notify.Policy{
		Threshold:    settings.Threshold(),
		NotifyOnRise: settings.NotifyOnRise,
	}, channels...)

	for kind, names := range cfg.File.Notifications.Routes {
		var routed []notify.Channel
		for _, name := range names {
			if ch, ok := byName[name]; ok {
				routed = append(routed, ch)
			} else {
				log.Printf("Warning: route %s names unknown channel %q", kind, name)
			}
		}
		d.Route(models.AdapterKind(kind), routed...)
	}

	log.Printf("Notification channels: %d", len(channels))
	return d
}

// maskConnectionString masks the password in a connection string for logging.
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
