// Command nntscd is the collector daemon. It consumes measurements from
// the broker queue and from polled RRD files, writes them to the
// relational store, and serves history and live data to query clients.
//
// The database schema must exist before the daemon will start; create
// it with --create-db. With --continuous-queries the daemon registers
// the influx matrix aggregations and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/wanduow/nntsc/broker"
	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/export"
	"github.com/wanduow/nntsc/influx"
	"github.com/wanduow/nntsc/parser"
	"github.com/wanduow/nntsc/rrdpoll"
	"github.com/wanduow/nntsc/server"
	"github.com/wanduow/nntsc/store"
	"github.com/wanduow/nntsc/streamcache"
)

// Exit codes, for init scripts that distinguish failure causes.
const (
	exitFailure = 1 // bad configuration or a service that could not start
	exitStore   = 2
	exitBroker  = 3
)

const storeRetryWait = 30 * time.Second

var (
	configFile = flag.String("config", "", "Path to the configuration file")
	foreground = flag.Bool("foreground", false,
		"Log human-readable to the terminal instead of JSON")
	createDB = flag.Bool("create-db", false,
		"Create or migrate the database schema, register all collections and exit")
	buildCQs = flag.Bool("continuous-queries", false,
		"Register the influx continuous queries and exit")
)

var mainCtx, mainCancel = context.WithCancel(context.Background())

func main() {
	defer mainCancel()

	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nntscd:", err)
		os.Exit(exitFailure)
	}
	log := newLogger(cfg.Logging, *foreground)

	switch {
	case *createDB:
		os.Exit(runCreateDB(cfg, log))
	case *buildCQs:
		os.Exit(runBuildCQs(cfg, log))
	default:
		os.Exit(runDaemon(cfg, log))
	}
}

func newLogger(cfg config.LoggingConfig, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// setupMetrics serves prometheus and pprof on their own mux so the
// port can be firewalled separately from the query service.
func setupMetrics(cfg config.MetricsConfig, log zerolog.Logger) {
	if !cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			log.Warn().Err(err).Str("addr", cfg.ListenAddr).Msg("metrics listener failed")
		}
	}()
}

// runCreateDB builds the fixed schema, then creates the stream and data
// tables for every known collection. Safe to rerun: migrations and
// collection registration are both idempotent.
func runCreateDB(cfg config.Config, log zerolog.Logger) int {
	st, err := store.Connect(cfg.Database, log)
	if err != nil {
		log.Error().Err(err).Msg("store connect failed")
		return exitStore
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Error().Err(err).Msg("schema migration failed")
		return exitStore
	}
	registry := parser.NewRegistry(st, nil, nil, log)
	if err := registry.Register(); err != nil {
		log.Error().Err(err).Msg("collection registration failed")
		return exitStore
	}
	log.Info().Msg("database ready")
	return 0
}

// runBuildCQs registers the matrix continuous queries for every
// collection that mirrors into influx.
func runBuildCQs(cfg config.Config, log zerolog.Logger) int {
	if !cfg.Influx.Enabled {
		log.Error().Msg("influx is not enabled in the configuration")
		return exitFailure
	}
	st, err := store.Connect(cfg.Database, log)
	if err != nil {
		log.Error().Err(err).Msg("store connect failed")
		return exitStore
	}
	defer st.Close()

	registry := parser.NewRegistry(st, nil, nil, log)
	ic := influx.New(cfg.Influx, log)
	if err := ic.RegisterCQs(registry.ContinuousQueries()); err != nil {
		log.Error().Err(err).Msg("continuous query registration failed")
		return exitFailure
	}
	log.Info().Msg("continuous queries registered")
	return 0
}

func runDaemon(cfg config.Config, log zerolog.Logger) int {
	ctx, stop := signal.NotifyContext(mainCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupMetrics(cfg.Metrics, log)

	// The broker consumer, the RRD poller and the query server get a
	// store connection each so their transactions cannot interleave.
	// Only the first connect retries; once the database answers, the
	// others connect immediately.
	ingestStore, err := store.ConnectRetry(ctx, cfg.Database, log, storeRetryWait)
	if err != nil {
		log.Error().Err(err).Msg("store connect failed")
		return exitStore
	}
	defer ingestStore.Close()

	queryStore, err := store.Connect(cfg.Database, log)
	if err != nil {
		log.Error().Err(err).Msg("store connect failed")
		return exitStore
	}
	defer queryStore.Close()

	cache := streamcache.New(cfg.Database.CacheTime)
	bus := export.New(cfg.LiveExport.QueueLength, log)

	if cfg.LiveExport.Enabled {
		nc, err := nats.Connect(cfg.Broker.URL(), nats.Name("nntsc-export"))
		if err != nil {
			log.Error().Err(err).Msg("export broker connect failed")
			return exitBroker
		}
		defer nc.Drain()
		bus.AttachNATS(nc, cfg.LiveExport.Exchange)
	}

	registry := parser.NewRegistry(ingestStore, bus, cache, log)
	if err := registry.LoadExisting(); err != nil {
		log.Error().Err(err).Msg("loading streams failed; has --create-db been run?")
		return exitStore
	}
	consumer := broker.New(cfg.Broker, registry, ingestStore, log)

	// The poller drives its own registry on its own connection, so a
	// slow RRD sweep never holds up a broker batch commit.
	var poller *rrdpoll.Poller
	if cfg.RRD.List != "" {
		rrdStore, err := store.Connect(cfg.Database, log)
		if err != nil {
			log.Error().Err(err).Msg("store connect failed")
			return exitStore
		}
		defer rrdStore.Close()

		rrdRegistry := parser.NewRegistry(rrdStore, bus, cache, log)
		poller = rrdpoll.New(cfg.RRD, rrdpoll.CLI{}, rrdStore, rrdRegistry, log)
		if err := poller.RegisterStreams(); err != nil {
			log.Error().Err(err).Msg("registering RRD streams failed")
			return exitStore
		}
		if err := poller.Load(); err != nil {
			log.Error().Err(err).Msg("loading RRD poll list failed")
			return exitStore
		}
	}

	var mirror *influx.Mirror
	if cfg.Influx.Enabled {
		ic := influx.New(cfg.Influx, log)
		// Traceroute rows are path arrays with no scalar representation.
		mirror = influx.NewMirror(ic, bus.Subscribe(cfg.LiveExport.QueueLength),
			[]string{"amp_traceroute"}, log)
	}

	srv := server.New(cfg.Server, server.StoreGateway{Store: queryStore}, cache,
		registry, bus.Subscribe(cfg.LiveExport.QueueLength), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Drain(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if poller != nil {
		g.Go(func() error { return poller.Run(gctx) })
	}
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
	}

	log.Info().Msg("nntscd running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("nntscd failed")
		return exitFailure
	}
	log.Info().Msg("nntscd stopped")
	return 0
}
