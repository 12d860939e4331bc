package viewupdate

import (
	"context"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/sstable"
)

// SSTableRowReaderFactory reads staging files through the sstable scanner
type SSTableRowReaderFactory struct{}

// Open opens the data component of file. Columns the schema does not
// declare are dropped from every row.
func (SSTableRowReaderFactory) Open(file *model.StagingFile, schema *model.Schema) (RowReader, error) {
	scanner, err := sstable.NewScanner(file.DataPath())
	if err != nil {
		return nil, err
	}
	return &sstableRowReader{scanner: scanner, schema: schema}, nil
}

type sstableRowReader struct {
	scanner *sstable.Scanner
	schema  *model.Schema
}

func (r *sstableRowReader) Next(ctx context.Context) (*model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row, err := r.scanner.Next()
	if err != nil {
		return nil, err
	}

	for name := range row.Columns {
		if !r.schema.HasColumn(name) {
			delete(row.Columns, name)
		}
	}
	return row, nil
}

func (r *sstableRowReader) Close() error {
	return r.scanner.Close()
}
