package viewupdate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"go.uber.org/zap"
)

// Config holds generator configuration
type Config struct {
	// RegistrationQueueSize is the number of staging files that may be
	// registered ahead of the worker before registrants start waiting
	RegistrationQueueSize int

	// FailureRetryDelay is how long the worker pauses after a failed
	// processing attempt before retrying the same file. Zero retries
	// immediately, since the failed file is still at the head of the queue.
	FailureRetryDelay time.Duration
}

// DefaultConfig returns the default generator configuration
func DefaultConfig() *Config {
	return &Config{
		RegistrationQueueSize: 5,
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeStoppedEarly
	outcomeFailed
	outcomeMissing
)

// relocationBatch collects the processed files of one table
type relocationBatch struct {
	table Table
	files []*model.StagingFile
}

// Generator turns staging files into view updates on a single background
// worker and then moves the files into their tables' live directories
type Generator struct {
	config    *Config
	proxy     ViewUpdateProxy
	readers   RowReaderFactory
	consumers ConsumerFactory
	metrics   *metrics.Metrics
	logger    *zap.Logger

	abort *AbortSource
	gate  *RegistrationGate
	queue *workQueue

	// pending and pendingOrder are owned by the worker goroutine
	pending      map[model.TableID]*relocationBatch
	pendingOrder []model.TableID
	pendingFiles atomic.Int64

	// tracked holds every file that is queued or waiting for relocation
	trackedMu sync.Mutex
	tracked   map[string]struct{}

	mu       sync.Mutex
	started  bool
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewGenerator creates a generator. It does nothing until Start is called,
// but files may be registered before that.
func NewGenerator(
	cfg *Config,
	proxy ViewUpdateProxy,
	readers RowReaderFactory,
	consumers ConsumerFactory,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Generator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Generator{
		config:    cfg,
		proxy:     proxy,
		readers:   readers,
		consumers: consumers,
		metrics:   m,
		logger:    logger,
		abort:     NewAbortSource(context.Background()),
		gate:      NewRegistrationGate(cfg.RegistrationQueueSize),
		queue:     newWorkQueue(),
		pending:   make(map[model.TableID]*relocationBatch),
		tracked:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background worker and returns immediately
func (g *Generator) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return fmt.Errorf("view update generator already started")
	}
	if g.abort.Requested() {
		return storageerrors.Unavailable("view update generator is stopped", nil)
	}
	g.started = true
	g.running.Store(true)

	go func() {
		defer close(g.done)
		defer g.running.Store(false)

		labels := pprof.Labels("scheduling_group", "streaming", "component", "view_update_generator")
		pprof.Do(g.abort.Context(), labels, g.run)
	}()

	g.logger.Info("View update generator started",
		zap.Int("registration_queue_size", g.config.RegistrationQueueSize),
		zap.Int("queued_files", g.queue.len()))
	return nil
}

// Stop aborts the worker, waits for it to exit and fails any registrant
// still waiting for a permit. It is safe to call more than once and
// without Start.
func (g *Generator) Stop() {
	g.stopOnce.Do(func() {
		g.logger.Info("Stopping view update generator")
		g.abort.Request()
		g.queue.signal()

		g.mu.Lock()
		started := g.started
		g.mu.Unlock()
		if started {
			<-g.done
		}

		g.gate.Break()
		g.logger.Info("View update generator stopped",
			zap.Int("queued_files", g.queue.len()))
	})
}

// ShouldThrottle reports whether registrants have to wait for permits. It
// is true exactly while the worker is running.
func (g *Generator) ShouldThrottle() bool {
	return g.running.Load()
}

// RegisterStagingFile queues a staging file for view building. While the
// worker runs, the call waits for a registration permit; before Start it
// never blocks. A file registered after Stop is ignored, and so is a file
// that is already queued or waiting for relocation. If ctx ends while
// waiting the file stays queued and ctx's error is returned.
func (g *Generator) RegisterStagingFile(ctx context.Context, file *model.StagingFile, table Table) error {
	_, err := g.register(ctx, file, table)
	return err
}

// register queues file unless it is already tracked and reports whether it
// was queued. The tracked check and the push happen under one lock so that
// concurrent registrations of the same file queue it once.
func (g *Generator) register(ctx context.Context, file *model.StagingFile, table Table) (bool, error) {
	if g.abort.Requested() {
		return false, nil
	}

	g.trackedMu.Lock()
	if _, ok := g.tracked[file.Identifier()]; ok {
		g.trackedMu.Unlock()
		g.logger.Debug("Staging file already registered, ignoring",
			zap.String("file", file.Identifier()))
		return false, nil
	}
	g.tracked[file.Identifier()] = struct{}{}
	g.queue.push(workItem{file: file, table: table})
	g.trackedMu.Unlock()

	start := time.Now()
	var err error
	if g.ShouldThrottle() {
		err = g.gate.Wait(ctx, 1)
	} else {
		g.gate.Consume(1)
	}
	g.metrics.RecordRegistration(time.Since(start).Seconds())
	g.updateBacklogMetrics()

	if err != nil {
		return true, err
	}

	g.logger.Debug("Registered staging file",
		zap.String("file", file.Identifier()),
		zap.Int("permits", g.gate.Available()))
	return true, nil
}

// Tracks reports whether a file is queued or waiting for relocation
func (g *Generator) Tracks(file *model.StagingFile) bool {
	g.trackedMu.Lock()
	defer g.trackedMu.Unlock()
	_, ok := g.tracked[file.Identifier()]
	return ok
}

// Backlog summarizes the work the generator has not finished yet
func (g *Generator) Backlog() model.ViewBacklog {
	return model.ViewBacklog{
		QueuedFiles:      g.queue.len(),
		PendingRelocate:  int(g.pendingFiles.Load()),
		AvailablePermits: g.gate.Available(),
		Throttled:        g.ShouldThrottle(),
	}
}

// run is the worker loop
func (g *Generator) run(ctx context.Context) {
	for !g.abort.Requested() {
		if g.queue.len() == 0 {
			select {
			case <-g.queue.wakeup():
			case <-g.abort.Done():
			}
		}
		g.queue.clearWake()

		failed := g.drainPass(ctx)
		g.relocatePending(ctx)
		g.updateBacklogMetrics()

		if failed {
			g.pauseAfterFailure()
		}
	}

	g.logger.Info("View update generator worker exiting",
		zap.Int("queued_files", g.queue.len()))
}

// drainPass processes queued files in order until the queue is empty, abort
// is requested, or a file fails. It reports whether a file failed.
func (g *Generator) drainPass(ctx context.Context) bool {
	for !g.abort.Requested() {
		item, ok := g.queue.front()
		if !ok {
			return false
		}

		result, err := g.process(ctx, item)
		switch result {
		case outcomeCompleted:
			g.addPending(item)
			g.queue.pop()
			g.gate.Signal(1)
		case outcomeStoppedEarly:
			return false
		case outcomeFailed:
			g.metrics.RecordStagingFailure()
			g.logger.Warn("Processing staging file failed, will retry",
				zap.String("file", item.file.Identifier()),
				zap.Error(err))
			return true
		case outcomeMissing:
			// relocated or removed since it was registered
			g.logger.Warn("Staging file no longer exists, dropping it",
				zap.String("file", item.file.Identifier()),
				zap.Error(err))
			g.queue.pop()
			g.untrack(item.file)
			g.gate.Signal(1)
		}
	}
	return false
}

// process streams every row of a staging file through a fresh consumer
func (g *Generator) process(ctx context.Context, item workItem) (outcome, error) {
	start := time.Now()
	schema := item.table.Schema()

	reader, err := g.readers.Open(item.file, schema)
	if errors.Is(err, fs.ErrNotExist) && !g.abort.Requested() {
		return outcomeMissing, err
	}
	if err != nil {
		return g.failure(item, err)
	}
	defer reader.Close()

	consumer := g.consumers(schema, g.proxy, item.file, g.abort)

	rows := 0
	defer func() { g.metrics.RecordRowsProcessed(rows) }()

	for {
		row, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return g.failure(item, err)
		}
		rows++

		stop, err := consumer.ConsumeRow(ctx, row)
		if err != nil {
			return g.failure(item, err)
		}
		if stop {
			return outcomeStoppedEarly, nil
		}
	}

	if err := consumer.ConsumeEndOfStream(ctx); err != nil {
		return g.failure(item, err)
	}

	g.metrics.RecordStagingProcessed(time.Since(start).Seconds())
	g.logger.Debug("Processed staging file",
		zap.String("file", item.file.Identifier()),
		zap.Int("rows", rows),
		zap.Duration("duration", time.Since(start)))
	return outcomeCompleted, nil
}

// failure classifies an error raised while processing. Errors caused by
// abort only stop the pass.
func (g *Generator) failure(item workItem, err error) (outcome, error) {
	if g.abort.Requested() {
		return outcomeStoppedEarly, nil
	}
	return outcomeFailed, storageerrors.RowProcessingFailed(item.file.Identifier(), err)
}

func (g *Generator) addPending(item workItem) {
	id := item.table.ID()
	batch, ok := g.pending[id]
	if !ok {
		batch = &relocationBatch{table: item.table}
		g.pending[id] = batch
		g.pendingOrder = append(g.pendingOrder, id)
	}
	batch.files = append(batch.files, item.file)
	g.pendingFiles.Add(1)
}

// relocatePending moves every processed file into its table's live
// directory, one call per table. Failures are logged and the files are
// forgotten; they stay in staging until the next rescan.
func (g *Generator) relocatePending(ctx context.Context) {
	for _, id := range g.pendingOrder {
		batch := g.pending[id]
		start := time.Now()

		status := "success"
		if err := batch.table.MoveFromStaging(ctx, batch.files); err != nil {
			status = "failure"
			g.logger.Warn("Moving staging files failed, ignoring",
				zap.String("table", id.String()),
				zap.Int("files", len(batch.files)),
				zap.Error(err))
		}
		g.metrics.RecordRelocation(status, len(batch.files), time.Since(start).Seconds())

		g.untrack(batch.files...)

		delete(g.pending, id)
		g.pendingFiles.Add(-int64(len(batch.files)))
	}
	g.pendingOrder = g.pendingOrder[:0]
}

func (g *Generator) untrack(files ...*model.StagingFile) {
	g.trackedMu.Lock()
	defer g.trackedMu.Unlock()
	for _, file := range files {
		delete(g.tracked, file.Identifier())
	}
}

// pauseAfterFailure keeps a persistently failing file from spinning the
// worker. New registrations and abort cut the pause short.
func (g *Generator) pauseAfterFailure() {
	if g.config.FailureRetryDelay <= 0 {
		return
	}

	timer := time.NewTimer(g.config.FailureRetryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-g.queue.wakeup():
	case <-g.abort.Done():
	}
}

func (g *Generator) updateBacklogMetrics() {
	g.metrics.UpdateBacklog(g.queue.len(), int(g.pendingFiles.Load()), g.gate.Available())
}
