// Package replay archives the recordings of finished broadcasts that asked
// to save their replay.
package replay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"peertube-live/internal/events"
	"peertube-live/internal/models"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/storage"
)

const jobKind = "replay"

type Config struct {
	// Concurrency bounds the archives running at once.
	Concurrency int64
	// QueueSize bounds the pending jobs. Schedule fails fast beyond it.
	QueueSize int
	// Timeout bounds a single archive.
	Timeout time.Duration
	// DrainTimeout is how long queued and running archives may continue
	// after Run's context ends. Zero fails them immediately.
	DrainTimeout time.Duration
}

type Dependencies struct {
	Registry *storage.Registry
	Archiver Archiver
	Events   events.Publisher
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Worker runs archive jobs in the background. A failed archive is reported
// and leaves the live ENDED.
type Worker struct {
	registry *storage.Registry
	archiver Archiver
	events   events.Publisher
	logger   *slog.Logger
	metrics  *metrics.Recorder
	cfg      Config

	jobs chan models.LiveVideo
	sem  *semaphore.Weighted

	mu      sync.Mutex
	stopped bool
}

var errWorkerStopped = errors.New("replay worker stopped")

func NewWorker(deps Dependencies, cfg Config) (*Worker, error) {
	if deps.Registry == nil || deps.Archiver == nil {
		return nil, errors.New("replay: registry and archiver required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	w := &Worker{
		registry: deps.Registry,
		archiver: deps.Archiver,
		events:   deps.Events,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cfg:      cfg,
		jobs:     make(chan models.LiveVideo, cfg.QueueSize),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
	}
	if w.events == nil {
		w.events = events.Discard{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = metrics.Default()
	}
	return w, nil
}

// Schedule queues video for archiving without blocking. Once Run has
// returned every scheduled job is reported as failed.
func (w *Worker) Schedule(video models.LiveVideo) {
	w.mu.Lock()
	var err error
	if w.stopped {
		err = errWorkerStopped
	} else {
		select {
		case w.jobs <- video.Clone():
		default:
			err = errors.New("replay queue is full")
		}
	}
	w.mu.Unlock()
	if err != nil {
		w.fail(context.Background(), video, err)
	}
}

// Run processes jobs until ctx is cancelled, then drains the queue and
// waits for running archives.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	for {
		select {
		case <-ctx.Done():
			return w.drain(jobCtx, cancelJobs)
		case video := <-w.jobs:
			if err := w.sem.Acquire(ctx, 1); err != nil {
				w.requeue(video)
				return w.drain(jobCtx, cancelJobs)
			}
			w.start(jobCtx, video)
		}
	}
}

func (w *Worker) start(ctx context.Context, video models.LiveVideo) {
	go func() {
		defer w.sem.Release(1)
		w.process(ctx, video)
	}()
}

func (w *Worker) requeue(video models.LiveVideo) {
	select {
	case w.jobs <- video:
	default:
		w.fail(context.Background(), video, errWorkerStopped)
	}
}

// drain stops intake and gives queued and running archives DrainTimeout to
// finish. Jobs that cannot start in time are reported as failed.
func (w *Worker) drain(jobCtx context.Context, cancelJobs context.CancelFunc) error {
	w.mu.Lock()
	w.stopped = true
	var pending []models.LiveVideo
	for len(w.jobs) > 0 {
		pending = append(pending, <-w.jobs)
	}
	w.mu.Unlock()

	if w.cfg.DrainTimeout > 0 {
		timer := time.AfterFunc(w.cfg.DrainTimeout, cancelJobs)
		defer timer.Stop()
	} else {
		cancelJobs()
	}
	for _, video := range pending {
		if err := w.sem.Acquire(jobCtx, 1); err != nil {
			w.fail(context.Background(), video, errWorkerStopped)
			continue
		}
		if jobCtx.Err() != nil {
			w.sem.Release(1)
			w.fail(context.Background(), video, errWorkerStopped)
			continue
		}
		w.start(jobCtx, video)
	}
	return w.sem.Acquire(context.Background(), w.cfg.Concurrency)
}

func (w *Worker) process(ctx context.Context, video models.LiveVideo) {
	w.metrics.JobStarted(jobKind)
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	url, err := w.archiver.Archive(ctx, video)
	if err != nil {
		w.fail(ctx, video, err)
		return
	}
	archived, err := w.registry.MarkArchived(ctx, video.ID, url)
	if err != nil {
		w.fail(ctx, video, err)
		return
	}
	w.metrics.JobCompleted(jobKind)
	event := events.ForLive(events.TypeReplayArchived, archived)
	event.Detail = url
	w.publish(ctx, event)
	w.logger.Info("replay archived", "live_id", video.ID, "url", url)
}

func (w *Worker) fail(ctx context.Context, video models.LiveVideo, err error) {
	w.metrics.JobFailed(jobKind)
	event := events.ForLive(events.TypeReplayFailed, video)
	event.Detail = err.Error()
	w.publish(ctx, event)
	w.logger.Warn("replay archive failed", "live_id", video.ID, "error", err)
}

func (w *Worker) publish(ctx context.Context, event events.Event) {
	if err := w.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		w.logger.Warn("publish replay event", "type", event.Type, "live_id", event.LiveID, "error", err)
	}
}
