package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"sxmgw/internal/catalog"
	"sxmgw/internal/config"
	"sxmgw/internal/log"
	"sxmgw/internal/nowplaying"
	"sxmgw/internal/proxy"
	"sxmgw/internal/session"
	"sxmgw/internal/sxm"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port        int
		listOnly    bool
		configPath  string
		showVersion bool
	)
	flag.IntVar(&port, "p", 0, "listen port (overrides config)")
	flag.IntVar(&port, "port", 0, "listen port (overrides config)")
	flag.BoolVar(&listOnly, "l", false, "print the channel lineup and exit")
	flag.BoolVar(&listOnly, "list", false, "print the channel lineup and exit")
	flag.StringVar(&configPath, "config", "", "path to config file (YAML)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("sxmgw %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	if configPath == "" {
		configPath = config.ParseString("SXMGW_CONFIG", "")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sxmgw:", err)
		return 1
	}
	if port != 0 {
		cfg.Port = port
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sxmgw", Pretty: cfg.LogPretty})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := config.NewStore(cfg)
	if err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "startup.credentials_failed").
			Msg("cannot resolve credentials")
		return 1
	}

	client, err := sxm.New(creds, sxm.Options{
		RESTBase:   cfg.RESTBase,
		HLSBase:    cfg.HLSBase,
		Timeout:    cfg.UpstreamTimeout,
		SessionTTL: cfg.SessionTTL,
	})
	if err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "startup.client_failed").
			Msg("cannot build upstream client")
		return 1
	}

	guard := session.NewGuard(client, session.Config{
		LoginInterval: cfg.LoginInterval,
		LoginBurst:    cfg.LoginBurst,
	})

	// A rotated credentials file invalidates the running session so the next
	// request authenticates with the new pair.
	creds.OnChange(func() { guard.InvalidateCurrent("credentials rotated") })
	if err := creds.Watch(ctx); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "startup.watch_failed").
			Msg("credential rotation disabled")
	}

	cat := catalog.New(func(ctx context.Context) ([]sxm.Channel, error) {
		var channels []sxm.Channel
		err := guard.Do(ctx, func(sess *sxm.Session) error {
			var ferr error
			channels, ferr = client.Channels(ctx, sess)
			return ferr
		})
		return channels, err
	})

	// Fail fast on bad credentials before binding the listener. A merely
	// unreachable upstream is not fatal; requests retry it.
	if _, err := guard.Session(ctx); err != nil {
		if errors.Is(err, sxm.ErrInvalidCredentials) {
			logger.Error().Err(err).
				Str(log.FieldEvent, "startup.invalid_credentials").
				Msg("upstream rejected the configured credentials")
			return 1
		}
		if ctx.Err() != nil {
			return 1
		}
		logger.Warn().Err(err).
			Str(log.FieldEvent, "startup.login_deferred").
			Msg("upstream not reachable at startup, continuing")
	}

	if listOnly {
		return printLineup(ctx, cat)
	}

	var pub nowplaying.Publisher = nowplaying.Nop{}
	if cfg.FeedURL != "" {
		pub = nowplaying.NewFeed(cfg.FeedURL, cfg.FeedKey, 10*time.Second)
		logger.Info().Str(log.FieldEvent, "nowplaying.enabled").Msg("now-playing feed configured")
	}

	srv := proxy.New(proxy.Options{
		BaseURL:      cfg.AdvertisedBase(),
		RateLimitRPS: cfg.RateLimitRPS,
		Guard:        guard,
		Client:       client,
		Catalog:      cat,
		Publisher:    pub,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version).
		Str("addr", httpSrv.Addr).
		Str("base_url", cfg.AdvertisedBase()).
		Msg("gateway listening")

	select {
	case err := <-errCh:
		logger.Error().Err(err).
			Str(log.FieldEvent, "server.failed").
			Msg("listener failed")
		return 1
	case <-ctx.Done():
	}

	logger.Info().Str(log.FieldEvent, "shutdown").Msg("signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "shutdown.forced").
			Msg("graceful shutdown timed out")
		httpSrv.Close() //nolint:errcheck
	}
	srv.Close()
	return 0
}

// printLineup writes the channel table for the -l flag: favorites first, then
// ascending channel number.
func printLineup(ctx context.Context, cat *catalog.Catalog) int {
	channels, err := cat.List(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sxmgw:", err)
		return 1
	}
	sorted := make([]sxm.Channel, len(channels))
	copy(sorted, channels)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Favorite != sorted[j].Favorite {
			return sorted[i].Favorite
		}
		return sorted[i].Number < sorted[j].Number
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNUM\tNAME")
	for _, ch := range sorted {
		fmt.Fprintf(w, "%s\t%d\t%s\n", ch.ID, ch.Number, ch.Name)
	}
	w.Flush() //nolint:errcheck
	return 0
}
