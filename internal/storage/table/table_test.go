package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestTable(t *testing.T, dataDir, keyspace, name string) *Table {
	t.Helper()

	tbl, err := Open(&Config{
		DataDir: dataDir,
		Schema: &model.Schema{
			Table:   model.TableID{Keyspace: keyspace, Name: name},
			Columns: []string{"city"},
		},
		BloomFilterFP: 0.01,
	}, zap.NewNop())
	require.NoError(t, err)
	return tbl
}

func writeStaging(t *testing.T, tbl *Table, keys ...string) *model.StagingFile {
	t.Helper()

	w, err := tbl.NewStagingWriter(1024)
	require.NoError(t, err)
	for _, key := range keys {
		require.NoError(t, w.Write(&model.Row{Key: key, Columns: map[string][]byte{"city": []byte("paris")}, Timestamp: 1}))
	}
	file, err := w.Finish()
	require.NoError(t, err)
	return file
}

func TestOpen_CreatesDirectories(t *testing.T) {
	dataDir := t.TempDir()
	tbl := openTestTable(t, dataDir, "ks", "users")

	assert.Equal(t, filepath.Join(dataDir, "ks", "users"), tbl.Dir())
	info, err := os.Stat(tbl.StagingDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStagingWriter_PublishesCompleteFile(t *testing.T) {
	tbl := openTestTable(t, t.TempDir(), "ks", "users")

	file := writeStaging(t, tbl, "a", "b", "c")
	assert.Equal(t, 3, file.RowCount)
	assert.Equal(t, tbl.ID(), file.Table)

	files, err := tbl.StagingFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, file.Generation, files[0].Generation)
}

func TestStagingFiles_IgnoresFilesInProgress(t *testing.T) {
	tbl := openTestTable(t, t.TempDir(), "ks", "users")

	w, err := tbl.NewStagingWriter(1024)
	require.NoError(t, err)
	require.NoError(t, w.Write(&model.Row{Key: "a"}))

	files, err := tbl.StagingFiles()
	require.NoError(t, err)
	assert.Empty(t, files)

	w.Abort()
	entries, err := os.ReadDir(tbl.StagingDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMoveFromStaging(t *testing.T) {
	tbl := openTestTable(t, t.TempDir(), "ks", "users")
	f1 := writeStaging(t, tbl, "a")
	f2 := writeStaging(t, tbl, "b")

	require.NoError(t, tbl.MoveFromStaging(context.Background(), []*model.StagingFile{f1, f2}))

	staged, err := tbl.StagingFiles()
	require.NoError(t, err)
	assert.Empty(t, staged)

	live, err := tbl.LiveFiles()
	require.NoError(t, err)
	assert.Len(t, live, 2)

	row, err := tbl.Lookup("b")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("paris"), row.Columns["city"])
}

func TestMoveFromStaging_RollsBackOnFailure(t *testing.T) {
	tbl := openTestTable(t, t.TempDir(), "ks", "users")
	good := writeStaging(t, tbl, "a")
	missing := &model.StagingFile{Generation: "does-not-exist", Table: tbl.ID(), Dir: tbl.StagingDir()}

	err := tbl.MoveFromStaging(context.Background(), []*model.StagingFile{good, missing})
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeRelocation, storageerrors.GetCode(err))

	staged, err := tbl.StagingFiles()
	require.NoError(t, err)
	require.Len(t, staged, 1, "the good file must be back in staging")
	assert.Equal(t, good.Generation, staged[0].Generation)

	live, err := tbl.LiveFiles()
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestMoveFromStaging_RejectsForeignFiles(t *testing.T) {
	dataDir := t.TempDir()
	users := openTestTable(t, dataDir, "ks", "users")
	orders := openTestTable(t, dataDir, "ks", "orders")
	file := writeStaging(t, orders, "a")

	err := users.MoveFromStaging(context.Background(), []*model.StagingFile{file})
	assert.Error(t, err)
}

func TestMoveFromStaging_HonorsCancellation(t *testing.T) {
	tbl := openTestTable(t, t.TempDir(), "ks", "users")
	file := writeStaging(t, tbl, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tbl.MoveFromStaging(ctx, []*model.StagingFile{file})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookup_NewestTimestampWins(t *testing.T) {
	tbl := openTestTable(t, t.TempDir(), "ks", "users")

	for ts := int64(1); ts <= 3; ts++ {
		w, err := tbl.NewLiveWriter(1024)
		require.NoError(t, err)
		require.NoError(t, w.Write(&model.Row{Key: "k", Timestamp: ts, Columns: map[string][]byte{"v": []byte(fmt.Sprint(ts))}}))
		_, err = w.Finish()
		require.NoError(t, err)
	}

	row, err := tbl.Lookup("k")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(3), row.Timestamp)

	row, err = tbl.Lookup("missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestRegistry(t *testing.T) {
	dataDir := t.TempDir()
	reg := NewRegistry()

	users := openTestTable(t, dataDir, "ks", "users")
	orders := openTestTable(t, dataDir, "ks", "orders")
	require.NoError(t, reg.Add(users))
	require.NoError(t, reg.Add(orders))
	assert.Error(t, reg.Add(users))

	got, ok := reg.Get(model.TableID{Keyspace: "ks", Name: "orders"})
	require.True(t, ok)
	assert.Same(t, orders, got)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Same(t, users, all[0])
}
