package waypost

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/platform/timeouts"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

// Run is a live tracking session. Log calls buffer points in memory; a
// background flusher delivers them in batches. All methods are safe for
// concurrent use.
type Run struct {
	client *trackerclient.Client
	logger *zap.Logger
	clock  func() time.Time
	spool  *spool

	flushInterval time.Duration
	batchSize     int
	bufferCap     int

	project     string
	space       string
	runName     string
	config      map[string]any
	clientRunID string

	mu       sync.Mutex
	id       string
	viewURL  string
	created  bool
	closed   bool
	finished bool
	failed   error
	lastStep int64
	pending  []trackerclient.MetricPoint

	dropped atomic.Int64

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// ID returns the tracker's run id, or "" while the run only exists in the
// offline spool.
func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// ViewURL returns the dashboard link for this run, or "" while offline.
func (r *Run) ViewURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewURL
}

// Dropped reports how many points were discarded client-side, either for
// non-finite values or because the buffer was full.
func (r *Run) Dropped() int64 {
	return r.dropped.Load()
}

// Log records one step of metrics at the next step number. Non-finite
// values are dropped and counted instead of failing the call.
func (r *Run) Log(metrics map[string]float64) error {
	return r.log(-1, metrics)
}

// LogStep records metrics at an explicit step. Steps may repeat (the last
// write wins) but must not move backwards.
func (r *Run) LogStep(step int64, metrics map[string]float64) error {
	if step < 0 {
		return ErrStepBackwards
	}
	return r.log(step, metrics)
}

func (r *Run) log(step int64, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	loggedAt := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunClosed
	}
	if r.failed != nil {
		return r.failed
	}
	if step < 0 {
		step = r.lastStep + 1
	} else if step < r.lastStep {
		return ErrStepBackwards
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	accepted := 0
	for _, name := range names {
		value := metrics[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			r.dropped.Add(1)
			continue
		}
		if len(r.pending) >= r.bufferCap {
			r.dropped.Add(int64(len(names) - accepted))
			r.lastStep = step
			return ErrBufferFull
		}
		r.pending = append(r.pending, trackerclient.MetricPoint{
			Name:     name,
			Step:     step,
			Value:    value,
			LoggedAt: loggedAt,
		})
		accepted++
	}
	r.lastStep = step

	if len(r.pending) >= r.batchSize {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Finish flushes buffered points and marks the run finished on the
// tracker. It is idempotent; the flusher stops either way.
func (r *Run) Finish(ctx context.Context) error {
	r.stop()

	r.mu.Lock()
	alreadyFinished := r.finished
	r.mu.Unlock()
	if alreadyFinished {
		return nil
	}

	if err := r.flush(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	created := r.created
	id := r.id
	r.mu.Unlock()
	if !created {
		// Everything lives in the spool; the run finishes when the
		// spool replays against a reachable tracker.
		return ErrRunNotCreated
	}

	finished, err := r.client.FinishRun(ctx, id)
	if err != nil {
		return mapError(err)
	}
	r.mu.Lock()
	r.finished = true
	r.viewURL = finished.ViewURL
	r.mu.Unlock()

	r.logger.Info("run finished",
		zap.String("project", r.project),
		zap.String("run_id", id),
		zap.String("view_url", finished.ViewURL))
	return nil
}

// Close flushes what it can and stops the flusher without finishing the
// run. An unfinished run left idle is eventually marked abandoned by the
// tracker, so a crash and a forgotten Finish look the same server-side.
func (r *Run) Close() error {
	r.stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.TrackerRequest)
	defer cancel()
	err := r.flush(ctx)
	r.closeSpool()
	return err
}

// stop ends the background flusher and rejects further Log calls.
func (r *Run) stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

func (r *Run) closeSpool() {
	if r.spool == nil {
		return
	}
	if err := r.spool.Close(); err != nil {
		r.logger.Warn("close offline spool", zap.Error(err))
	}
}

func (r *Run) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		case <-r.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.TrackerRequest)
		if err := r.flush(ctx); err != nil {
			r.logger.Warn("flush metrics", zap.Error(err))
		}
		cancel()
	}
}

// flush delivers everything buffered. When delivery fails and a spool is
// configured the batch lands on disk instead; without one the points stay
// buffered for the next attempt.
func (r *Run) flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	created := r.created
	id := r.id
	r.mu.Unlock()

	if len(batch) == 0 {
		return r.drainSpool(ctx)
	}

	if !created {
		if err := r.create(ctx); err != nil {
			return r.keepOrSpool(batch, err)
		}
		r.mu.Lock()
		id = r.id
		r.mu.Unlock()
	}

	for start := 0; start < len(batch); start += r.batchSize {
		end := start + r.batchSize
		if end > len(batch) {
			end = len(batch)
		}
		if _, err := r.client.AppendMetrics(ctx, id, batch[start:end]); err != nil {
			if isAPIRejection(err) {
				mapped := mapError(err)
				r.mu.Lock()
				r.failed = mapped
				r.mu.Unlock()
				r.dropped.Add(int64(len(batch) - start))
				return mapped
			}
			return r.keepOrSpool(batch[start:], err)
		}
	}
	return r.drainSpool(ctx)
}

// keepOrSpool parks undelivered points after a transient failure.
func (r *Run) keepOrSpool(batch []trackerclient.MetricPoint, cause error) error {
	if r.spool != nil {
		err := r.spool.Enqueue(spoolBatch{
			Project:     r.project,
			Space:       r.space,
			RunName:     r.runName,
			ClientRunID: r.clientRunID,
			Config:      r.config,
			Points:      batch,
		})
		if err == nil {
			return nil
		}
		r.logger.Warn("spool batch", zap.Error(err))
	}
	r.mu.Lock()
	r.pending = append(batch, r.pending...)
	r.mu.Unlock()
	return mapError(cause)
}

// drainSpool opportunistically replays spooled batches once deliveries are
// succeeding again.
func (r *Run) drainSpool(ctx context.Context) error {
	if r.spool == nil {
		return nil
	}
	count, err := r.spool.Len()
	if err != nil || count == 0 {
		return err
	}
	replayed, err := r.spool.Drain(ctx, r.client, r.logger)
	if replayed > 0 {
		r.logger.Info("replayed spooled batches", zap.Int("batches", replayed))
	}
	if err != nil {
		return mapError(err)
	}
	return nil
}
