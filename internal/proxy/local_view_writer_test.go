package proxy

import (
	"context"
	"testing"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/diskmanager"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/table"
	"github.com/devrev/pairdb/viewbuilder/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	baseID   = model.TableID{Keyspace: "ks", Name: "users"}
	byCityID = model.TableID{Keyspace: "ks", Name: "users_by_city"}
	byMailID = model.TableID{Keyspace: "ks", Name: "users_by_email"}
)

func newTestWriter(t *testing.T, disk *diskmanager.DiskManager) (*LocalViewWriter, *table.Registry) {
	t.Helper()
	logger := zap.NewNop()
	dataDir := t.TempDir()

	registry := table.NewRegistry()
	for _, id := range []model.TableID{byCityID, byMailID} {
		tbl, err := table.Open(&table.Config{
			DataDir:       dataDir,
			Schema:        &model.Schema{Table: id, Columns: []string{"name"}},
			DiskManager:   disk,
			BloomFilterFP: 0.01,
		}, logger)
		require.NoError(t, err)
		require.NoError(t, registry.Add(tbl))
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "view-writer", MaxWorkers: 2, Logger: logger})
	t.Cleanup(func() { pool.Stop(time.Second) })

	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	return NewLocalViewWriter(registry, pool, m, logger), registry
}

func viewUpdate(view model.TableID, key string, ts int64, name string) model.ViewUpdate {
	return model.ViewUpdate{
		View: view,
		Row:  model.Row{Key: key, Timestamp: ts, Columns: map[string][]byte{"name": []byte(name)}},
	}
}

func TestSendViewUpdates_WritesOneSSTablePerView(t *testing.T) {
	w, registry := newTestWriter(t, nil)

	err := w.SendViewUpdates(context.Background(), baseID, []model.ViewUpdate{
		viewUpdate(byCityID, "rome:u2", 1, "bob"),
		viewUpdate(byMailID, "a@b.c:u1", 1, "ann"),
		viewUpdate(byCityID, "paris:u1", 1, "ann"),
		viewUpdate(byCityID, "paris:u1", 3, "anne"),
		viewUpdate(byCityID, "paris:u1", 2, "annie"),
	})
	require.NoError(t, err)

	byCity, _ := registry.Get(byCityID)
	live, err := byCity.LiveFiles()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, 2, live[0].RowCount)

	row, err := byCity.Lookup("paris:u1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("anne"), row.Columns["name"], "the newest update of a key wins")

	byMail, _ := registry.Get(byMailID)
	row, err = byMail.Lookup("a@b.c:u1")
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestSendViewUpdates_UnknownView(t *testing.T) {
	w, _ := newTestWriter(t, nil)

	err := w.SendViewUpdates(context.Background(), baseID, []model.ViewUpdate{
		viewUpdate(model.TableID{Keyspace: "ks", Name: "missing"}, "k", 1, "x"),
	})
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeTableNotFound, storageerrors.GetCode(err))
}

func TestSendViewUpdates_DiskFull(t *testing.T) {
	disk, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 t.TempDir(),
		CheckInterval:           time.Hour,
		WarningThreshold:        80,
		ThrottleThreshold:       90,
		CircuitBreakerThreshold: 95,
		Stat: func(string) (uint64, uint64, error) {
			return 100, 1, nil
		},
	}, zap.NewNop())
	require.NoError(t, err)

	w, registry := newTestWriter(t, disk)
	err = w.SendViewUpdates(context.Background(), baseID, []model.ViewUpdate{viewUpdate(byCityID, "k", 1, "x")})
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeDiskFull, storageerrors.GetCode(err))

	byCity, _ := registry.Get(byCityID)
	live, err := byCity.LiveFiles()
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestSendViewUpdates_Empty(t *testing.T) {
	w, _ := newTestWriter(t, nil)
	assert.NoError(t, w.SendViewUpdates(context.Background(), baseID, nil))
}
