package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisNotifierConfig configures the Redis Streams notifier. Every worker
// process joins the same consumer group so each wake reaches one process;
// workers inside a process share the claim loop anyway.
type RedisNotifierConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
}

// NewRedisNotifier initialises a notifier backed by Redis Streams.
func NewRedisNotifier(cfg RedisNotifierConfig) (Notifier, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "clipfog:wakes"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "clip-workers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})

	notifier := &redisNotifier{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       logger,
	}
	if err := notifier.ensureGroup(context.Background()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return notifier, nil
}

type redisNotifier struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (n *redisNotifier) ensureGroup(ctx context.Context) error {
	if n.groupReady.Load() {
		return nil
	}
	n.groupMu.Lock()
	defer n.groupMu.Unlock()
	if n.groupReady.Load() {
		return nil
	}
	err := n.client.XGroupCreateMkStream(ctx, n.stream, n.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	n.groupReady.Store(true)
	return nil
}

func (n *redisNotifier) Publish(ctx context.Context, wake Wake) error {
	if wake.JobID == "" {
		return errors.New("wake jobId is required")
	}
	payload, err := json.Marshal(wake)
	if err != nil {
		return fmt.Errorf("marshal wake: %w", err)
	}
	if err := n.ensureGroup(ctx); err != nil {
		return err
	}
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (n *redisNotifier) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		notifier: n,
		consumer: randomConsumerID(),
		cancel:   cancel,
		done:     make(chan struct{}),
		ch:       make(chan Wake, n.buffer),
	}
	go sub.run(ctx)
	return sub
}

func (n *redisNotifier) Close() error {
	return n.client.Close()
}

type redisSubscription struct {
	notifier *redisNotifier
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	done chan struct{}
	ch   chan Wake
}

func (s *redisSubscription) Wakes() <-chan Wake {
	return s.ch
}

// Close stops the read loop and waits for it to exit. The loop owns the wake
// channel, so no send can race the close.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.notifier.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.notifier.logger.Warn("wake group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		streams, err := s.notifier.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.notifier.group,
			Consumer: s.consumer,
			Streams:  []string{s.notifier.stream, ">"},
			Count:    16,
			Block:    s.notifier.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.notifier.logger.Warn("wake read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				wake, ok := decodeWakeMessage(msg)
				if !ok {
					s.notifier.logger.Error("wake decode failed", "id", msg.ID)
					s.ack(ctx, msg.ID)
					continue
				}
				select {
				case s.ch <- wake:
					s.ack(ctx, msg.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.notifier.client.XAck(ctx, s.notifier.stream, s.notifier.group, id).Err(); err != nil {
		s.notifier.logger.Warn("wake ack failed", "id", id, "error", err)
	}
}

func decodeWakeMessage(msg redis.XMessage) (Wake, bool) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return Wake{}, false
	}
	text, ok := raw.(string)
	if !ok || text == "" {
		return Wake{}, false
	}
	var wake Wake
	if err := json.Unmarshal([]byte(text), &wake); err != nil {
		return Wake{}, false
	}
	return wake, true
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("worker-%s", hex.EncodeToString(buf))
}
