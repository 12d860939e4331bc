package viewupdate

import (
	"context"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
)

// Table is the part of a base table the generator needs
type Table interface {
	ID() model.TableID
	Schema() *model.Schema
	// MoveFromStaging makes processed staging files part of the live data
	MoveFromStaging(ctx context.Context, files []*model.StagingFile) error
}

// RowReader streams the rows of one staging file. Next returns io.EOF once
// the file is exhausted.
type RowReader interface {
	Next(ctx context.Context) (*model.Row, error)
	Close() error
}

// RowReaderFactory opens staging files for reading under a given schema
type RowReaderFactory interface {
	Open(file *model.StagingFile, schema *model.Schema) (RowReader, error)
}

// StopIteration tells the caller of a RowConsumer whether to stop early
type StopIteration bool

const (
	Continue StopIteration = false
	Stop     StopIteration = true
)

// RowConsumer turns base rows into view updates
type RowConsumer interface {
	ConsumeRow(ctx context.Context, row *model.Row) (StopIteration, error)
	ConsumeEndOfStream(ctx context.Context) error
}

// ConsumerFactory builds the consumer for a single staging file
type ConsumerFactory func(schema *model.Schema, proxy ViewUpdateProxy, file *model.StagingFile, abort *AbortSource) RowConsumer

// ViewUpdateProxy delivers view updates derived from a base table
type ViewUpdateProxy interface {
	SendViewUpdates(ctx context.Context, base model.TableID, updates []model.ViewUpdate) error
}
