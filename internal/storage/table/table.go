package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/diskmanager"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/sstable"
	"go.uber.org/zap"
)

const (
	// StagingDirName is the directory, relative to a table's directory,
	// holding sstables that have not yet been processed for views
	StagingDirName = "staging"

	// tmpPrefix marks sstables that are still being written
	tmpPrefix = "tmp-"
)

// Table owns the on-disk directories of a single table
type Table struct {
	id         model.TableID
	dir        string
	stagingDir string
	schema     atomic.Pointer[model.Schema]
	disk       *diskmanager.DiskManager
	sstableCfg *sstable.Config
	logger     *zap.Logger

	// mu serializes changes to the live directory
	mu sync.RWMutex
}

// Config holds the dependencies of a table
type Config struct {
	DataDir       string
	Schema        *model.Schema
	DiskManager   *diskmanager.DiskManager
	BloomFilterFP float64
}

// Open creates the table directories if needed and returns the table
func Open(cfg *Config, logger *zap.Logger) (*Table, error) {
	if cfg.Schema == nil {
		return nil, fmt.Errorf("schema is required")
	}

	id := cfg.Schema.Table
	dir := filepath.Join(cfg.DataDir, id.Keyspace, id.Name)
	stagingDir := filepath.Join(dir, StagingDirName)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory for %s: %w", id, err)
	}

	t := &Table{
		id:         id,
		dir:        dir,
		stagingDir: stagingDir,
		disk:       cfg.DiskManager,
		sstableCfg: &sstable.Config{BloomFilterFP: cfg.BloomFilterFP},
		logger:     logger.With(zap.String("table", id.String())),
	}
	t.schema.Store(cfg.Schema)

	return t, nil
}

// ID returns the identity of the table
func (t *Table) ID() model.TableID {
	return t.id
}

// Schema returns the current schema
func (t *Table) Schema() *model.Schema {
	return t.schema.Load()
}

// SetSchema replaces the current schema. Files already being processed keep
// the schema they were opened with.
func (t *Table) SetSchema(schema *model.Schema) {
	t.schema.Store(schema)
}

// Dir returns the live data directory
func (t *Table) Dir() string {
	return t.dir
}

// StagingDir returns the staging directory
func (t *Table) StagingDir() string {
	return t.stagingDir
}

// StagingFiles lists complete sstables in the staging directory, oldest first
func (t *Table) StagingFiles() ([]*model.StagingFile, error) {
	return t.listSSTables(t.stagingDir)
}

// LiveFiles lists sstables in the live directory, oldest first
func (t *Table) LiveFiles() ([]*model.StagingFile, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listSSTables(t.dir)
}

func (t *Table) listSSTables(dir string) ([]*model.StagingFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	files := make([]*model.StagingFile, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, model.DataSuffix) {
			continue
		}

		file := &model.StagingFile{
			Generation: strings.TrimSuffix(name, model.DataSuffix),
			Table:      t.id,
			Dir:        dir,
		}
		if !componentsExist(file) {
			t.logger.Warn("Skipping sstable with missing components", zap.String("file", file.Identifier()))
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		file.Size = info.Size()
		file.CreatedAt = info.ModTime()
		files = append(files, file)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].CreatedAt.Before(files[j].CreatedAt)
		}
		return files[i].Generation < files[j].Generation
	})

	return files, nil
}

func componentsExist(file *model.StagingFile) bool {
	for _, path := range file.Components() {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// MoveFromStaging moves processed staging sstables into the live directory.
// The move is all-or-nothing: if any component cannot be moved, components
// already moved by this call are moved back and an error is returned.
func (t *Table) MoveFromStaging(ctx context.Context, files []*model.StagingFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	type move struct{ from, to string }
	moved := make([]move, 0, len(files)*3)

	rollback := func() {
		for i := len(moved) - 1; i >= 0; i-- {
			if err := os.Rename(moved[i].to, moved[i].from); err != nil {
				t.logger.Error("Failed to roll back staging move",
					zap.String("from", moved[i].to),
					zap.String("to", moved[i].from),
					zap.Error(err))
			}
		}
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			rollback()
			return storageerrors.RelocationFailed(t.id.String(), len(files), err)
		}
		if file.Table != t.id {
			rollback()
			return storageerrors.RelocationFailed(t.id.String(), len(files),
				fmt.Errorf("file %s belongs to %s", file.Identifier(), file.Table))
		}

		for _, from := range file.Components() {
			to := filepath.Join(t.dir, filepath.Base(from))
			if err := os.Rename(from, to); err != nil {
				rollback()
				return storageerrors.RelocationFailed(t.id.String(), len(files), err)
			}
			moved = append(moved, move{from: from, to: to})
		}
	}

	t.logger.Info("Moved sstables from staging", zap.Int("files", len(files)))
	return nil
}

// Lookup returns the newest version of a row across the live sstables, or
// nil if the key is unknown
func (t *Table) Lookup(key string) (*model.Row, error) {
	files, err := t.LiveFiles()
	if err != nil {
		return nil, err
	}

	var latest *model.Row
	for _, file := range files {
		reader, err := sstable.NewReader(file.DataPath(), file.IndexPath(), file.BloomPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file.Identifier(), err)
		}
		row, err := reader.Get(key)
		reader.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Identifier(), err)
		}
		if row != nil && (latest == nil || row.Timestamp >= latest.Timestamp) {
			latest = row
		}
	}

	return latest, nil
}
