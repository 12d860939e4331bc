package viewupdate

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"go.uber.org/zap"
)

// DefaultRowBatchSize is the number of view updates buffered before they
// are sent to the proxy
const DefaultRowBatchSize = 128

// ViewKey builds the key of a view row from the value of the view's key
// column and the key of the base row
func ViewKey(keyValue []byte, baseKey string) string {
	return string(keyValue) + ":" + baseKey
}

// ViewUpdatingConsumer derives view rows from the base rows of one staging
// file and sends them to the proxy in batches
type ViewUpdatingConsumer struct {
	schema    *model.Schema
	proxy     ViewUpdateProxy
	file      *model.StagingFile
	abort     *AbortSource
	batchSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	buffer []model.ViewUpdate
	sent   int
}

// NewViewUpdatingConsumerFactory returns a ConsumerFactory building
// ViewUpdatingConsumers
func NewViewUpdatingConsumerFactory(batchSize int, m *metrics.Metrics, logger *zap.Logger) ConsumerFactory {
	if batchSize <= 0 {
		batchSize = DefaultRowBatchSize
	}
	return func(schema *model.Schema, proxy ViewUpdateProxy, file *model.StagingFile, abort *AbortSource) RowConsumer {
		return &ViewUpdatingConsumer{
			schema:    schema,
			proxy:     proxy,
			file:      file,
			abort:     abort,
			batchSize: batchSize,
			metrics:   m,
			logger:    logger,
		}
	}
}

// ConsumeRow derives one update per view whose key column the row carries.
// Tombstones produce nothing since the previous base row is not known.
func (c *ViewUpdatingConsumer) ConsumeRow(ctx context.Context, row *model.Row) (StopIteration, error) {
	if c.abort.Requested() {
		return Stop, nil
	}
	if row.IsTombstone {
		return Continue, nil
	}

	for _, view := range c.schema.Views {
		keyValue, ok := row.Columns[view.KeyColumn]
		if !ok || len(keyValue) == 0 {
			continue
		}

		columns := make(map[string][]byte, len(view.IncludeColumns))
		for _, name := range view.IncludeColumns {
			if value, ok := row.Columns[name]; ok {
				columns[name] = value
			}
		}

		c.buffer = append(c.buffer, model.ViewUpdate{
			View: view.ID,
			Row: model.Row{
				Key:       ViewKey(keyValue, row.Key),
				Columns:   columns,
				Timestamp: row.Timestamp,
			},
		})
	}

	if len(c.buffer) >= c.batchSize {
		if err := c.flush(ctx); err != nil {
			return Continue, err
		}
	}
	return Continue, nil
}

// ConsumeEndOfStream sends whatever is still buffered
func (c *ViewUpdatingConsumer) ConsumeEndOfStream(ctx context.Context) error {
	if err := c.flush(ctx); err != nil {
		return err
	}
	c.logger.Debug("Generated view updates",
		zap.String("file", c.file.Identifier()),
		zap.Int("updates", c.sent))
	return nil
}

func (c *ViewUpdatingConsumer) flush(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	if err := c.proxy.SendViewUpdates(ctx, c.schema.Table, c.buffer); err != nil {
		return fmt.Errorf("failed to send %d view updates: %w", len(c.buffer), err)
	}
	if c.metrics != nil {
		c.metrics.RecordViewUpdates(len(c.buffer))
	}
	c.sent += len(c.buffer)
	c.buffer = nil
	return nil
}
