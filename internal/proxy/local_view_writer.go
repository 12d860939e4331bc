package proxy

import (
	"context"
	"fmt"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/memtable"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/table"
	"github.com/devrev/pairdb/viewbuilder/internal/util/workerpool"
	"go.uber.org/zap"
)

// ViewTables resolves view tables by id
type ViewTables interface {
	Get(id model.TableID) (*table.Table, bool)
}

// LocalViewWriter applies view updates to view tables stored on this node.
// Each call writes one sstable per view, views in parallel.
type LocalViewWriter struct {
	views   ViewTables
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLocalViewWriter creates a view writer running its writes on pool
func NewLocalViewWriter(views ViewTables, pool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) *LocalViewWriter {
	return &LocalViewWriter{
		views:   views,
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

type viewBatch struct {
	table *table.Table
	rows  *memtable.SkipList
}

// SendViewUpdates writes updates to their view tables. Either every view
// sstable of the call is published or the call fails; a failed call may
// have published some views, which is harmless since a retry rewrites the
// same rows with the same timestamps.
func (w *LocalViewWriter) SendViewUpdates(ctx context.Context, base model.TableID, updates []model.ViewUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	start := time.Now()

	batches := make(map[model.TableID]*viewBatch)
	order := make([]model.TableID, 0)
	for i := range updates {
		update := updates[i]
		batch, ok := batches[update.View]
		if !ok {
			view, found := w.views.Get(update.View)
			if !found {
				return storageerrors.TableNotFound(update.View.String()).
					WithDetail("base", base.String())
			}
			batch = &viewBatch{table: view, rows: memtable.NewSkipList()}
			batches[update.View] = batch
			order = append(order, update.View)
		}
		batch.rows.Put(&update.Row)
	}

	tasks := make([]workerpool.Task, 0, len(order))
	names := make([]string, 0, len(order))
	for _, id := range order {
		batch := batches[id]
		names = append(names, id.String())
		tasks = append(tasks, workerpool.Task{
			ID: id.String(),
			Fn: func(ctx context.Context) error {
				return writeView(ctx, batch)
			},
		})
	}

	if err := w.pool.Run(ctx, tasks); err != nil {
		return fmt.Errorf("failed to write view updates of %s: %w", base, err)
	}

	w.metrics.RecordViewWrite(names, time.Since(start).Seconds())
	w.logger.Debug("Wrote view updates",
		zap.String("base", base.String()),
		zap.Int("updates", len(updates)),
		zap.Int("views", len(order)))
	return nil
}

func writeView(ctx context.Context, batch *viewBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	writer, err := batch.table.NewLiveWriter(uint64(batch.rows.Bytes()))
	if err != nil {
		return err
	}
	for _, row := range batch.rows.Rows() {
		if err := writer.Write(row); err != nil {
			writer.Abort()
			return err
		}
	}
	_, err = writer.Finish()
	return err
}
