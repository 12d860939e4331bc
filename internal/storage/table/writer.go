package table

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/sstable"
	"github.com/google/uuid"
)

// SSTableWriter writes a new sstable under a temporary name and publishes
// it atomically on Finish
type SSTableWriter struct {
	table      model.TableID
	dir        string
	generation string
	tmp        *model.StagingFile
	writer     *sstable.Writer
	done       bool
}

// NewStagingWriter starts a new sstable in the staging directory
func (t *Table) NewStagingWriter(estimatedBytes uint64) (*SSTableWriter, error) {
	return t.newWriter(t.stagingDir, estimatedBytes)
}

// NewLiveWriter starts a new sstable that is published straight into the
// live directory, bypassing view processing
func (t *Table) NewLiveWriter(estimatedBytes uint64) (*SSTableWriter, error) {
	return t.newWriter(t.dir, estimatedBytes)
}

func (t *Table) newWriter(dir string, estimatedBytes uint64) (*SSTableWriter, error) {
	if t.disk != nil {
		if err := t.disk.CheckBeforeWrite(estimatedBytes); err != nil {
			return nil, err
		}
	}

	generation := uuid.NewString()
	tmp := &model.StagingFile{
		Generation: tmpPrefix + generation,
		Table:      t.id,
		Dir:        dir,
	}

	writer, err := sstable.NewWriter(tmp.DataPath(), tmp.IndexPath(), tmp.BloomPath(), t.sstableCfg)
	if err != nil {
		return nil, err
	}

	return &SSTableWriter{
		table:      t.id,
		dir:        dir,
		generation: generation,
		tmp:        tmp,
		writer:     writer,
	}, nil
}

// Write appends a row. Rows must arrive in ascending key order.
func (w *SSTableWriter) Write(row *model.Row) error {
	return w.writer.Write(row)
}

// Finish seals the sstable and renames its components to their final
// names, data component last
func (w *SSTableWriter) Finish() (*model.StagingFile, error) {
	if err := w.writer.Finalize(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.writer.Close(); err != nil {
		w.Abort()
		return nil, err
	}

	final := &model.StagingFile{
		Generation: w.generation,
		Table:      w.table,
		Dir:        w.dir,
		Size:       w.writer.Size(),
		RowCount:   w.writer.Count(),
		CreatedAt:  time.Now(),
	}

	tmpComponents := w.tmp.Components()
	for i, to := range final.Components() {
		if err := os.Rename(tmpComponents[i], to); err != nil {
			w.Abort()
			for _, published := range final.Components()[:i] {
				os.Remove(published)
			}
			return nil, fmt.Errorf("failed to publish %s: %w", filepath.Base(to), err)
		}
	}

	w.done = true
	return final, nil
}

// Abort discards everything written so far
func (w *SSTableWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.writer.Abort()
}
