package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/api"
	"agentflow/internal/archive"
	"agentflow/internal/config"
	"agentflow/internal/domain"
	"agentflow/internal/handlers/agent"
	remote "agentflow/internal/handlers/http"
	"agentflow/internal/handlers/shell"
	"agentflow/internal/metrics"
	"agentflow/internal/scheduler"
	"agentflow/internal/worker"
)

func main() {
	cfg := config.Load()
	if path := os.Getenv("AGENTFLOW_CONFIG"); path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			log.Fatal().Err(err).Msg("load config file")
		}
	}
	var remotes, commands string
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	flag.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "maximum concurrently running tasks")
	flag.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "dispatch loop poll interval")
	flag.DurationVar(&cfg.ErrorBackoff, "error-backoff", cfg.ErrorBackoff, "pause after a dispatch loop failure")
	flag.DurationVar(&cfg.HandlerTimeout, "handler-timeout", cfg.HandlerTimeout, "per-task handler timeout (0 disables)")
	flag.IntVar(&cfg.HistorySize, "history", cfg.HistorySize, "finished tasks kept in memory")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "default attempts per task")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite DB path (empty keeps schedules in memory)")
	flag.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "archive results to this Redis URL")
	flag.DurationVar(&cfg.RedisTTL, "redis-ttl", cfg.RedisTTL, "TTL of archived results in Redis")
	flag.StringVar(&cfg.PostgresDSN, "postgres", cfg.PostgresDSN, "archive results to this Postgres DSN")
	flag.StringVar(&cfg.MongoURI, "mongo", cfg.MongoURI, "archive results to this MongoDB URI")
	flag.StringVar(&cfg.MongoDatabase, "mongo-db", cfg.MongoDatabase, "MongoDB database name")
	flag.DurationVar(&cfg.ArchiveRetention, "retention", cfg.ArchiveRetention, "prune SQLite results older than this (0 keeps all)")
	flag.DurationVar(&cfg.ScheduleInterval, "schedule-interval", cfg.ScheduleInterval, "how often due schedules are checked")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "require HS256 bearer tokens on /api")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable pprof endpoints")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.StringVar(&remotes, "remote", "", "handler=url pairs served by remote agents")
	flag.StringVar(&commands, "command", "", "handler=command pairs served by local processes")
	flag.Parse()
	if cfg.RemoteURLs == nil {
		cfg.RemoteURLs = map[string]string{}
	}
	if cfg.ShellCommands == nil {
		cfg.ShellCommands = map[string]string{}
	}
	for k, v := range config.ParsePairs(remotes) {
		cfg.RemoteURLs[k] = v
	}
	for k, v := range config.ParsePairs(commands) {
		cfg.ShellCommands[k] = v
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		sqliteStore *archive.SQLite
		results     archive.Archive
		schedules   scheduler.Store = scheduler.NewMemoryStore()
	)
	if cfg.SQLitePath != "" {
		db, err := archive.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		if err := archive.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		sqliteStore = archive.NewSQLite(db)
		defer sqliteStore.Close()
		schedules = sqliteStore
		results = sqliteStore
	}
	switch {
	case cfg.PostgresDSN != "":
		pg, err := archive.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		results = pg
	case cfg.MongoURI != "":
		m, err := archive.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatal().Err(err).Msg("open mongo")
		}
		results = m
	case cfg.RedisURL != "":
		rdb, err := archive.OpenRedis(ctx, cfg.RedisURL, cfg.RedisTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("open redis")
		}
		results = rdb
	}

	rec := metrics.New()
	d, err := worker.New(buildHandlers(cfg), worker.Options{
		Concurrency:    cfg.Concurrency,
		PollInterval:   cfg.PollInterval,
		ErrorBackoff:   cfg.ErrorBackoff,
		HandlerTimeout: cfg.HandlerTimeout,
		HistorySize:    cfg.HistorySize,
		MaxAttempts:    cfg.MaxAttempts,
		Archive:        results,
		Metrics:        rec,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create dispatcher")
	}

	runDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(runDone)
	}()

	sched := scheduler.NewService(schedules, d, cfg.ScheduleInterval)
	go sched.Start(ctx)

	var pruner *cron.Cron
	if sqliteStore != nil && results == archive.Archive(sqliteStore) && cfg.ArchiveRetention > 0 {
		pruner = cron.New()
		pruner.AddFunc("@daily", func() {
			n, err := sqliteStore.Prune(ctx, time.Now().Add(-cfg.ArchiveRetention))
			if err != nil {
				log.Error().Err(err).Msg("prune archive")
				return
			}
			log.Info().Int("pruned", n).Msg("pruned archived results")
		})
		pruner.Start()
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(api.Config{
		Dispatcher: d,
		Schedules:  schedules,
		Metrics:    rec,
		JWTSecret:  cfg.JWTSecret,
		Debug:      cfg.Debug,
	})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("concurrency", d.Capacity()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if pruner != nil {
		pruner.Stop()
	}
	sched.Stop()
	cancel()
	<-runDone
	if results != nil && results != archive.Archive(sqliteStore) {
		_ = results.Close()
	}
}

// buildHandlers starts from the local agents and swaps in remote or process
// backends where configured. Genesis fuses whatever aura and kai resolve to.
func buildHandlers(cfg config.Config) map[domain.HandlerID]worker.Handler {
	resolve := func(id domain.HandlerID, local worker.Handler) worker.Handler {
		if url, ok := cfg.RemoteURLs[string(id)]; ok {
			log.Info().Str("handler", string(id)).Str("url", url).Msg("using remote agent")
			return remote.Remote{URL: url, Timeout: cfg.HandlerTimeout}
		}
		if line, ok := cfg.ShellCommands[string(id)]; ok {
			fields := strings.Fields(line)
			log.Info().Str("handler", string(id)).Str("command", fields[0]).Msg("using command agent")
			return shell.Command{Command: fields[0], Args: fields[1:], Confidence: 0.5}
		}
		return local
	}
	aura := resolve(domain.HandlerAura, agent.Aura())
	kai := resolve(domain.HandlerKai, agent.Kai())
	return map[domain.HandlerID]worker.Handler{
		domain.HandlerAura:    aura,
		domain.HandlerKai:     kai,
		domain.HandlerGenesis: resolve(domain.HandlerGenesis, agent.NewGenesis(aura, kai)),
	}
}
