package main

import (
	"fmt"
	"log/slog"

	"clipfog/internal/delivery"
	"clipfog/internal/queue"
)

type notifierSettings struct {
	driver     string
	redisAddr  string
	redisAddrs []string
	username   string
	password   string
	stream     string
	group      string
	masterName string
	poolSize   int
	amqpURL    string
	exchange   string
	queue      string
}

func configureNotifier(settings notifierSettings, logger *slog.Logger) (queue.Notifier, error) {
	switch settings.driver {
	case "memory":
		return queue.NewMemoryNotifier(0), nil
	case "redis":
		return queue.NewRedisNotifier(queue.RedisNotifierConfig{
			Addr:       settings.redisAddr,
			Addrs:      settings.redisAddrs,
			Username:   settings.username,
			Password:   settings.password,
			Stream:     settings.stream,
			Group:      settings.group,
			MasterName: settings.masterName,
			PoolSize:   settings.poolSize,
			Logger:     logger,
		})
	case "amqp":
		return queue.NewAMQPNotifier(queue.AMQPNotifierConfig{
			URL:      settings.amqpURL,
			Exchange: settings.exchange,
			Queue:    settings.queue,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", settings.driver)
	}
}

// configureChannel returns the bot API channel when a token is configured and
// the no-op channel otherwise, so clips still reach STORED without delivery.
func configureChannel(token, apiBase string, logger *slog.Logger) (delivery.Channel, error) {
	if token == "" {
		logger.Info("no bot token configured, clips will be stored without delivery")
		return delivery.Noop{}, nil
	}
	return delivery.NewBot(delivery.BotConfig{Token: token, APIBase: apiBase})
}
