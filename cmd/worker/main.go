// Command worker runs a standalone clip worker pool against a shared
// datastore, for deployments that keep media processing off the gateway host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clipfog/internal/clip"
	"clipfog/internal/delivery"
	"clipfog/internal/observability/logging"
	"clipfog/internal/observability/metrics"
	"clipfog/internal/queue"
	"clipfog/internal/storage"
)

func main() {
	_ = godotenv.Load()

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	queueDriver := flag.String("queue-driver", "", "wake queue driver (memory, redis, or amqp)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the wake queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the wake queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the wake queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the wake queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for wake events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for wake events")
	queueAMQPURL := flag.String("queue-amqp-url", "", "AMQP broker URL for the wake queue")
	queueAMQPExchange := flag.String("queue-amqp-exchange", "", "AMQP exchange for wake events")
	queueAMQPQueue := flag.String("queue-amqp-queue", "", "AMQP queue bound for wake events")
	botToken := flag.String("bot-token", "", "bot API token used to deliver clips")
	botAPIBase := flag.String("bot-api-base", "", "override the bot API origin")
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

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, err := openStore(bootCtx, *storageDriver, *dataPath, *postgresDSN)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	notifier, err := openNotifier(notifierFlags{
		driver:     firstNonEmpty(*queueDriver, os.Getenv("CLIPFOG_QUEUE_DRIVER"), "memory"),
		redisAddr:  firstNonEmpty(*queueRedisAddr, os.Getenv("CLIPFOG_QUEUE_REDIS_ADDR")),
		redisAddrs: splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("CLIPFOG_QUEUE_REDIS_ADDRS"))),
		username:   firstNonEmpty(*queueRedisUsername, os.Getenv("CLIPFOG_QUEUE_REDIS_USERNAME")),
		password:   firstNonEmpty(*queueRedisPassword, os.Getenv("CLIPFOG_QUEUE_REDIS_PASSWORD")),
		stream:     firstNonEmpty(*queueRedisStream, os.Getenv("CLIPFOG_QUEUE_REDIS_STREAM")),
		group:      firstNonEmpty(*queueRedisGroup, os.Getenv("CLIPFOG_QUEUE_REDIS_GROUP")),
		amqpURL:    firstNonEmpty(*queueAMQPURL, os.Getenv("CLIPFOG_QUEUE_AMQP_URL")),
		exchange:   firstNonEmpty(*queueAMQPExchange, os.Getenv("CLIPFOG_QUEUE_AMQP_EXCHANGE")),
		queue:      firstNonEmpty(*queueAMQPQueue, os.Getenv("CLIPFOG_QUEUE_AMQP_QUEUE")),
	}, logging.WithComponent(logger, "queue"))
	if err != nil {
		logger.Error("failed to configure wake queue", "error", err)
		os.Exit(1)
	}

	var channel delivery.Channel = delivery.Noop{}
	if token := firstNonEmpty(*botToken, os.Getenv("CLIPFOG_BOT_TOKEN")); token != "" {
		bot, err := delivery.NewBot(delivery.BotConfig{
			Token:   token,
			APIBase: firstNonEmpty(*botAPIBase, os.Getenv("CLIPFOG_BOT_API_BASE")),
		})
		if err != nil {
			logger.Error("failed to configure delivery channel", "error", err)
			os.Exit(1)
		}
		channel = bot
	} else {
		logger.Info("no bot token configured, clips will be stored without delivery")
	}

	outputDir := firstNonEmpty(*clipDir, os.Getenv("CLIPFOG_CLIP_DIR"), "data/clips")
	processor, err := clip.NewProcessor(clip.ProcessorConfig{
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

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor.Start()
	logger.Info("clip worker running", "output_dir", outputDir)

	sweepStop := func() {}
	if window := resolveDuration(*retention, "CLIPFOG_RETENTION", 0); window > 0 {
		sweeper := clip.NewSweeper(clip.SweeperConfig{
			Dir:       outputDir,
			Retention: window,
			Logger:    logging.WithComponent(logger, "retention"),
			Metrics:   recorder,
		})
		sweepStop = clip.StartSweeper(rootCtx, sweeper,
			resolveDuration(*retentionInterval, "CLIPFOG_RETENTION_INTERVAL", time.Hour))
	}

	<-rootCtx.Done()
	logger.Info("shutting down")
	sweepStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop clip processor", "error", err)
	}
	if err := notifier.Close(); err != nil {
		logger.Warn("failed to close wake queue", "error", err)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
}

func openStore(ctx context.Context, driverFlag, dataFlag, dsnFlag string) (storage.Repository, error) {
	dsn := firstNonEmpty(dsnFlag, os.Getenv("CLIPFOG_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver := firstNonEmpty(driverFlag, os.Getenv("CLIPFOG_STORAGE_DRIVER"))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		return storage.NewStorage(firstNonEmpty(dataFlag, os.Getenv("CLIPFOG_DATA"), "data/clipfog.json"))
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: dsn})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

type notifierFlags struct {
	driver     string
	redisAddr  string
	redisAddrs []string
	username   string
	password   string
	stream     string
	group      string
	amqpURL    string
	exchange   string
	queue      string
}

func openNotifier(flags notifierFlags, logger *slog.Logger) (queue.Notifier, error) {
	switch flags.driver {
	case "memory":
		return queue.NewMemoryNotifier(0), nil
	case "redis":
		return queue.NewRedisNotifier(queue.RedisNotifierConfig{
			Addr:     flags.redisAddr,
			Addrs:    flags.redisAddrs,
			Username: flags.username,
			Password: flags.password,
			Stream:   flags.stream,
			Group:    flags.group,
			Logger:   logger,
		})
	case "amqp":
		return queue.NewAMQPNotifier(queue.AMQPNotifierConfig{
			URL:      flags.amqpURL,
			Exchange: flags.exchange,
			Queue:    flags.queue,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", flags.driver)
	}
}
