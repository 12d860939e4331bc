package viewupdate

import (
	"context"
	"fmt"
	"sort"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StagingTable is a table whose staging directory can be listed
type StagingTable interface {
	Table
	StagingFiles() ([]*model.StagingFile, error)
}

// Rescan lists the staging directories of tables concurrently and registers
// every file the generator does not already track, oldest first. It returns
// the number of files registered.
func Rescan(ctx context.Context, g *Generator, tables []StagingTable, logger *zap.Logger) (int, error) {
	type found struct {
		file  *model.StagingFile
		table Table
	}

	listed := make([][]found, len(tables))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, t := range tables {
		i, t := i, t
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			files, err := t.StagingFiles()
			if err != nil {
				return fmt.Errorf("failed to list staging files of %s: %w", t.ID(), err)
			}
			for _, file := range files {
				listed[i] = append(listed[i], found{file: file, table: t})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	var all []found
	for _, files := range listed {
		all = append(all, files...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].file, all[j].file
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Generation < b.Generation
	})

	registered := 0
	for _, f := range all {
		queued, err := g.register(ctx, f.file, f.table)
		if queued {
			registered++
		}
		if err != nil {
			return registered, err
		}
	}

	logger.Info("Rescanned staging directories",
		zap.Int("tables", len(tables)),
		zap.Int("found", len(all)),
		zap.Int("registered", registered))
	return registered, nil
}
