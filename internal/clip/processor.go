package clip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clipfog/internal/delivery"
	"clipfog/internal/models"
	"clipfog/internal/observability/metrics"
	"clipfog/internal/queue"
	"clipfog/internal/storage"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 5 * time.Second
	defaultJobTimeout   = 15 * time.Minute
	defaultClaimTimeout = 15 * time.Minute
	defaultMaxAttempts  = 3
)

// ProcessorConfig wires the worker pool to its collaborators.
type ProcessorConfig struct {
	Store    storage.Repository
	Channel  delivery.Channel
	Muxer    Muxer
	Notifier queue.Notifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	Workers      int
	PollInterval time.Duration
	// JobTimeout bounds the wall-clock time of a single muxer invocation.
	JobTimeout time.Duration
	// ClaimTimeout is the lease after which a PROCESSING job with no
	// terminal outcome is considered abandoned and re-queued.
	ClaimTimeout time.Duration
	MaxAttempts  int
	OutputDir    string
	// PlaylistBase is the HTTP origin serving recorded HLS playlists.
	PlaylistBase string
}

// Processor drains the clip job queue. Workers poll the datastore on a timer
// and additionally wake on queue notifications, so a quiet deployment stays
// idle without delaying fresh jobs by a full poll interval.
type Processor struct {
	store        storage.Repository
	channel      delivery.Channel
	muxer        Muxer
	notifier     queue.Notifier
	metrics      *metrics.Recorder
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration
	claimTimeout time.Duration
	maxAttempts  int
	outputDir    string
	playlistBase string

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewProcessor validates the configuration and constructs a stopped pool.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Muxer == nil {
		return nil, fmt.Errorf("muxer is required")
	}
	channel := cfg.Channel
	if channel == nil {
		channel = delivery.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("data", "clips")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:        cfg.Store,
		channel:      channel,
		muxer:        cfg.Muxer,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		logger:       logger,
		workers:      workers,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		claimTimeout: claimTimeout,
		maxAttempts:  maxAttempts,
		outputDir:    outputDir,
		playlistBase: cfg.PlaylistBase,
		ctx:          ctx,
		cancel:       cancel,
		kick:         make(chan struct{}, 1),
	}, nil
}

// Start launches the worker goroutines, the wake listener, and the stale
// claim sweeper. It is safe to call once; repeat calls are no-ops.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		p.logger.Error("failed to create clip output dir", "dir", p.outputDir, "error", err)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	if p.notifier != nil {
		p.wg.Add(1)
		go p.listen()
	}
	p.wg.Add(1)
	go p.sweepStaleClaims()
}

// Shutdown stops accepting work and waits for in-flight jobs, bounded by ctx.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick nudges the workers to check the queue immediately.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Processor) listen() {
	defer p.wg.Done()
	sub := p.notifier.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-p.ctx.Done():
			return
		case _, ok := <-sub.Wakes():
			if !ok {
				return
			}
			p.Kick()
		}
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		p.drainQueue()
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

func (p *Processor) drainQueue() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		job, err := p.store.ClaimNextClipJob()
		if errors.Is(err, storage.ErrNoPendingJobs) {
			return
		}
		if err != nil {
			p.logger.Error("failed to claim clip job", "error", err)
			return
		}
		p.metrics.JobClaimed()
		p.process(job)
	}
}

func (p *Processor) sweepStaleClaims() {
	defer p.wg.Done()
	interval := p.claimTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			moved, err := p.store.RequeueStaleClipJobs(p.claimTimeout, p.maxAttempts)
			if err != nil {
				p.logger.Error("failed to requeue stale clip jobs", "error", err)
				continue
			}
			if moved > 0 {
				for i := 0; i < moved; i++ {
					p.metrics.JobRequeued()
				}
				p.logger.Warn("requeued stale clip jobs", "count", moved)
				p.Kick()
			}
		}
	}
}

// clipPolicy is the account policy snapshot taken once per job, so a
// concurrent account edit cannot split a single job between two policies.
type clipPolicy struct {
	keepClips  bool
	autoDelete bool
	maxBytes   int64
	recipient  string
}

func (p *Processor) process(job models.ClipJob) {
	logger := p.logger.With("job_id", job.ID, "session_id", job.SessionID)

	session, ok := p.store.GetSession(job.SessionID)
	if !ok {
		p.finish(logger, job.ID, models.ClipFailed, storage.ClipJobUpdate{
			Error: stringPtr("session " + job.SessionID + " not found"),
		})
		return
	}
	source, ok := p.store.GetSource(session.SourceID)
	if !ok {
		p.finish(logger, job.ID, models.ClipFailed, storage.ClipJobUpdate{
			Error: stringPtr("source " + session.SourceID + " not found"),
		})
		return
	}
	account, ok := p.store.GetAccount(source.AccountID)
	if !ok {
		p.finish(logger, job.ID, models.ClipFailed, storage.ClipJobUpdate{
			Error: stringPtr("account " + source.AccountID + " not found"),
		})
		return
	}
	policy := clipPolicy{
		keepClips:  account.KeepClips,
		autoDelete: account.AutoDelete,
		maxBytes:   account.MaxDeliveryBytes(),
		recipient:  account.ChatID,
	}

	if !policy.keepClips {
		logger.Info("clip skipped by account policy")
		p.finish(logger, job.ID, models.ClipStored, storage.ClipJobUpdate{
			Error: stringPtr("clips disabled by account policy"),
		})
		return
	}

	outputPath := filepath.Join(p.outputDir, OutputFileName(session.ID))
	sourceURL := PlaylistURL(p.playlistBase, source.StreamKey)

	muxCtx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	err := p.muxer.Extract(muxCtx, sourceURL, outputPath)
	cancel()
	if err != nil {
		logger.Error("clip mux failed", "source_url", sourceURL, "error", err)
		p.finish(logger, job.ID, models.ClipFailed, storage.ClipJobUpdate{
			Error: stringPtr(err.Error()),
		})
		p.cleanup(logger, outputPath, policy)
		return
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		p.finish(logger, job.ID, models.ClipFailed, storage.ClipJobUpdate{
			Error: stringPtr("clip output missing: " + err.Error()),
		})
		return
	}
	size := info.Size()
	if _, err := p.store.UpdateClipJob(job.ID, storage.ClipJobUpdate{
		ResultPath: stringPtr(outputPath),
		SizeBytes:  &size,
	}); err != nil {
		logger.Error("failed to record clip result", "error", err)
	}

	switch {
	case policy.recipient == "":
		logger.Info("clip stored, no delivery recipient", "size_bytes", size)
		p.finish(logger, job.ID, models.ClipStored, storage.ClipJobUpdate{})
	case size > policy.maxBytes:
		logger.Info("clip exceeds delivery limit", "size_bytes", size, "limit_bytes", policy.maxBytes)
		p.notifyText(logger, policy.recipient, fmt.Sprintf(
			"Your clip is %d MB, above the %d MB delivery limit, so it was kept on the server. Lowering the stream bitrate or resolution produces smaller clips.",
			size/(1024*1024), policy.maxBytes/(1024*1024)))
		p.finish(logger, job.ID, models.ClipTooBig, storage.ClipJobUpdate{})
	default:
		caption := fmt.Sprintf("%s, streamed %s", source.Name, session.StartedAt.UTC().Format("2006-01-02 15:04 UTC"))
		sendCtx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
		err := p.channel.SendFile(sendCtx, policy.recipient, outputPath, caption)
		cancel()
		p.metrics.ObserveDelivery("video", err != nil)
		if err != nil {
			logger.Error("clip delivery failed", "error", err)
			p.notifyText(logger, policy.recipient, "Your clip was produced but could not be delivered. It remains available on the server.")
			p.finish(logger, job.ID, models.ClipFailed, storage.ClipJobUpdate{
				Error: stringPtr("delivery failed: " + err.Error()),
			})
		} else {
			logger.Info("clip delivered", "size_bytes", size)
			p.finish(logger, job.ID, models.ClipSent, storage.ClipJobUpdate{})
		}
	}

	p.cleanup(logger, outputPath, policy)
}

func (p *Processor) finish(logger *slog.Logger, jobID string, status models.ClipStatus, update storage.ClipJobUpdate) {
	s := string(status)
	update.Status = &s
	if _, err := p.store.UpdateClipJob(jobID, update); err != nil {
		logger.Error("failed to record job outcome", "status", s, "error", err)
	}
	p.metrics.JobFinished(s)
}

func (p *Processor) notifyText(logger *slog.Logger, recipient, text string) {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	err := p.channel.SendText(ctx, recipient, text)
	p.metrics.ObserveDelivery("text", err != nil)
	if err != nil {
		logger.Warn("failed to send delivery notice", "error", err)
	}
}

func (p *Processor) cleanup(logger *slog.Logger, path string, policy clipPolicy) {
	if !policy.autoDelete {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to auto-delete clip", "path", path, "error", err)
	}
}

func stringPtr(s string) *string {
	return &s
}
