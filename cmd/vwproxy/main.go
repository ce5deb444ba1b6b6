// Command vwproxy runs the worker in front of an app origin: it installs
// the releases published on the origin and serves the app from the cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericselin/vworker"
	"github.com/ericselin/vworker/cache"
	"github.com/ericselin/vworker/host"
	"github.com/ericselin/vworker/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	pollFlag           time.Duration
	concurrencyFlag    int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the app (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address of the app")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.DurationVar(&pollFlag, "poll", time.Minute, "Interval between release checks")
	flag.IntVar(&concurrencyFlag, "concurrency", reconcile.DefaultConcurrency, "Parallel downloads during install")
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
		With().Str("version", version).Logger()

	config := Config{}
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	applyFlags(&config)

	// get the origin address
	originURL, originHost := originFromConfig(config)

	// set up sqlite memory provider
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	store, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Str("db", dbFilename).Msg("Could not open cache")
	}
	defer store.Close()

	fetcher := host.NewFetcher(originURL, originHost)
	hub := host.NewHub(log.Logger)
	reg := vworker.NewRegistration(vworker.Config{
		Cache:           store,
		Fetcher:         fetcher,
		Broadcaster:     hub,
		Logger:          &log.Logger,
		Concurrency:     config.Concurrency,
		PrefetchTimeout: config.PrefetchTimeout,
		MaxStoredSize:   config.MaxStoredSize,
	})
	updater := &host.Updater{
		Installer: reg,
		Fetcher:   fetcher,
		Interval:  config.Poll,
		Logger:    log.Logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reg.Run(ctx)
	go updater.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router(reg, hub),
	}
	srv.RegisterOnShutdown(hub.Close)
	go func() {
		log.Info().Msgf("Serving %s (with hostname '%s') on port %d", originURL.String(), originHost, config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server")
	}
	// let background cache writes finish before the db is closed
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWait()
	if err := reg.Wait(waitCtx); err != nil {
		log.Warn().Err(err).Msg("Background work still running")
	}
}

type status struct {
	vworker.Status
	Entries int `json:"entries"`
}

func router(reg *vworker.Registration, hub *host.Hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/_vw/events", hub.ServeEvents)
	r.Post("/_vw/message", hub.MessageHandler(reg))
	r.Get("/_vw/status", func(w http.ResponseWriter, r *http.Request) {
		entries, err := reg.Entries()
		if err != nil {
			log.Error().Err(err).Msg("Could not count cache entries")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(status{Status: reg.Status(), Entries: entries})
	})
	r.Handle("/*", reg)
	return r
}

// applyFlags overrides the config file with the flags given on the command line.
func applyFlags(config *Config) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(name string) bool { return set[name] || configFilenameFlag == "" }

	if override("port") || config.Port == 0 {
		config.Port = portFlag
	}
	if override("db") || config.DB == "" {
		config.DB = dbFilenameFlag
	}
	if override("poll") || config.Poll == 0 {
		config.Poll = pollFlag
	}
	if override("concurrency") || config.Concurrency == 0 {
		config.Concurrency = concurrencyFlag
	}
	if set["host"] {
		config.Host = hostFlag
	}
	if originFlag != "" {
		config.Origin = originFlag
	} else if addrFlag != "" {
		config.Origin = "https://" + addrFlag
	}
}

func originFromConfig(config Config) (url.URL, string) {
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}
	return *originURL, config.Host
}
