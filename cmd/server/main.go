// Command server starts the clipfog ingest gateway with an embedded clip
// worker pool and retention sweeper.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"clipfog/internal/api"
	"clipfog/internal/clip"
	"clipfog/internal/observability/logging"
	"clipfog/internal/observability/metrics"
	"clipfog/internal/server"
	"clipfog/internal/serverutil"
	"clipfog/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	hookToken := flag.String("hook-token", "", "shared token required on ingest hook calls")
	queueDriver := flag.String("queue-driver", "", "wake queue driver (memory, redis, or amqp)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the wake queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the wake queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the wake queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the wake queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for wake events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for wake events")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the wake queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the wake queue")
	queueAMQPURL := flag.String("queue-amqp-url", "", "AMQP broker URL for the wake queue")
	queueAMQPExchange := flag.String("queue-amqp-exchange", "", "AMQP exchange for wake events")
	queueAMQPQueue := flag.String("queue-amqp-queue", "", "AMQP queue bound for wake events")
	botToken := flag.String("bot-token", "", "bot API token used to deliver clips")
	botAPIBase := flag.String("bot-api-base", "", "override the bot API origin")
	embeddedWorker := flag.Bool("embedded-worker", true, "run the clip worker pool inside this process")
	workers := flag.Int("workers", 0, "clip worker goroutines")
	pollInterval := flag.Duration("poll-interval", 0, "clip queue poll interval")
	jobTimeout := flag.Duration("job-timeout", 0, "wall clock bound for a single clip mux")
	claimTimeout := flag.Duration("claim-timeout", 0, "lease after which a stale claim is re-queued")
	maxAttempts := flag.Int("max-attempts", 0, "claim attempts before a job is marked failed")
	clipDir := flag.String("clip-dir", "", "directory for produced clip files")
	hlsBase := flag.String("hls-base", "", "HTTP origin serving recorded HLS playlists")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	clipMaxDuration := flag.Duration("clip-max-duration", 0, "maximum clip length (0 keeps the whole recording)")
	retention := flag.Duration("retention", 0, "how long produced clips are kept on disk (0 disables the sweeper)")
	retentionInterval := flag.Duration("retention-interval", 0, "interval between retention sweeps")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPFOG_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPFOG_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := resolveListenAddr(*addr, os.Getenv("CLIPFOG_ADDR"))
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	resolvedDSN := resolvePostgresDSN(*postgresDSN)
	driver := resolveStorageDriver(*storageDriver, os.Getenv("CLIPFOG_STORAGE_DRIVER"), resolvedDSN)

	var (
		store storage.Repository
		err   error
	)
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("CLIPFOG_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if resolvedDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(bootCtx, storage.PostgresConfig{
			DSN:                 resolvedDSN,
			MaxConnections:      int32(resolveInt(*postgresMaxConns, "CLIPFOG_POSTGRES_MAX_CONNS")),
			MinConnections:      int32(resolveInt(*postgresMinConns, "CLIPFOG_POSTGRES_MIN_CONNS")),
			MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "CLIPFOG_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "CLIPFOG_POSTGRES_MAX_CONN_IDLE", 0),
			HealthCheckInterval: resolveDuration(*postgresHealthInterval, "CLIPFOG_POSTGRES_HEALTH_INTERVAL", 0),
			ConnectTimeout:      resolveDuration(*postgresConnectTimeout, "CLIPFOG_POSTGRES_CONNECT_TIMEOUT", 0),
			ApplicationName:     firstNonEmpty(*postgresAppName, os.Getenv("CLIPFOG_POSTGRES_APP_NAME")),
		})
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	notifier, err := configureNotifier(notifierSettings{
		driver:     resolveQueueDriver(*queueDriver, os.Getenv("CLIPFOG_QUEUE_DRIVER")),
		redisAddr:  firstNonEmpty(*queueRedisAddr, os.Getenv("CLIPFOG_QUEUE_REDIS_ADDR")),
		redisAddrs: splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("CLIPFOG_QUEUE_REDIS_ADDRS"))),
		username:   firstNonEmpty(*queueRedisUsername, os.Getenv("CLIPFOG_QUEUE_REDIS_USERNAME")),
		password:   firstNonEmpty(*queueRedisPassword, os.Getenv("CLIPFOG_QUEUE_REDIS_PASSWORD")),
		stream:     firstNonEmpty(*queueRedisStream, os.Getenv("CLIPFOG_QUEUE_REDIS_STREAM")),
		group:      firstNonEmpty(*queueRedisGroup, os.Getenv("CLIPFOG_QUEUE_REDIS_GROUP")),
		masterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("CLIPFOG_QUEUE_REDIS_SENTINEL_MASTER")),
		poolSize:   resolveInt(*queueRedisPoolSize, "CLIPFOG_QUEUE_REDIS_POOL_SIZE"),
		amqpURL:    firstNonEmpty(*queueAMQPURL, os.Getenv("CLIPFOG_QUEUE_AMQP_URL")),
		exchange:   firstNonEmpty(*queueAMQPExchange, os.Getenv("CLIPFOG_QUEUE_AMQP_EXCHANGE")),
		queue:      firstNonEmpty(*queueAMQPQueue, os.Getenv("CLIPFOG_QUEUE_AMQP_QUEUE")),
	}, logging.WithComponent(logger, "queue"))
	if err != nil {
		logger.Error("failed to configure wake queue", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store)
	handler.Notifier = notifier
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "hooks")
	handler.HookToken = firstNonEmpty(*hookToken, os.Getenv("CLIPFOG_HOOK_TOKEN"))

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLIPFOG_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLIPFOG_TLS_KEY")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outputDir := firstNonEmpty(*clipDir, os.Getenv("CLIPFOG_CLIP_DIR"), "data/clips")

	embedded := *embeddedWorker
	if env, ok := os.LookupEnv("CLIPFOG_EMBEDDED_WORKER"); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			embedded = value
		} else {
			logger.Warn("invalid CLIPFOG_EMBEDDED_WORKER", "value", env, "error", err)
		}
	}

	var processor *clip.Processor
	if embedded {
		channel, err := configureChannel(
			firstNonEmpty(*botToken, os.Getenv("CLIPFOG_BOT_TOKEN")),
			firstNonEmpty(*botAPIBase, os.Getenv("CLIPFOG_BOT_API_BASE")),
			logger,
		)
		if err != nil {
			logger.Error("failed to configure delivery channel", "error", err)
			os.Exit(1)
		}
		processor, err = clip.NewProcessor(clip.ProcessorConfig{
			Store:   store,
			Channel: channel,
			Muxer: &clip.FFmpegMuxer{
				Binary:      firstNonEmpty(*ffmpegBinary, os.Getenv("CLIPFOG_FFMPEG")),
				MaxDuration: resolveDuration(*clipMaxDuration, "CLIPFOG_CLIP_MAX_DURATION", 0),
				Logger:      logging.WithComponent(logger, "muxer"),
			},
			Notifier:     notifier,
			Metrics:      recorder,
			Logger:       logging.WithComponent(logger, "clip-worker"),
			Workers:      resolveInt(*workers, "CLIPFOG_WORKERS"),
			PollInterval: resolveDuration(*pollInterval, "CLIPFOG_POLL_INTERVAL", 0),
			JobTimeout:   resolveDuration(*jobTimeout, "CLIPFOG_JOB_TIMEOUT", 0),
			ClaimTimeout: resolveDuration(*claimTimeout, "CLIPFOG_CLAIM_TIMEOUT", 0),
			MaxAttempts:  resolveInt(*maxAttempts, "CLIPFOG_MAX_ATTEMPTS"),
			OutputDir:    outputDir,
			PlaylistBase: firstNonEmpty(*hlsBase, os.Getenv("CLIPFOG_HLS_BASE")),
		})
		if err != nil {
			logger.Error("failed to configure clip processor", "error", err)
			os.Exit(1)
		}
		processor.Start()
	}

	retentionWindow := resolveDuration(*retention, "CLIPFOG_RETENTION", 0)
	sweepStop := func() {}
	if retentionWindow > 0 {
		sweeper := clip.NewSweeper(clip.SweeperConfig{
			Dir:       outputDir,
			Retention: retentionWindow,
			Logger:    logging.WithComponent(logger, "retention"),
			Metrics:   recorder,
		})
		sweepStop = clip.StartSweeper(rootCtx, sweeper,
			resolveDuration(*retentionInterval, "CLIPFOG_RETENTION_INTERVAL", time.Hour))
	}

	g, runCtx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("clipfog gateway listening", "addr", listenAddr, "storage", driver)
		certFile, keyFile := srv.TLSFiles()
		return serverutil.Run(runCtx, serverutil.Config{
			Server: srv.HTTPServer(),
			TLS: serverutil.TLSConfig{
				CertFile: certFile,
				KeyFile:  keyFile,
			},
		})
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}
	stop()
	sweepStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if processor != nil {
		if err := processor.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop clip processor", "error", err)
		}
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Warn("failed to close wake queue", "error", err)
		}
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	logger.Info("shutdown complete")
}
