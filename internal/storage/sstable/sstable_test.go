package sstable

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir string, rows []*model.Row) (string, string, string) {
	t.Helper()

	data := filepath.Join(dir, "gen-1"+model.DataSuffix)
	index := filepath.Join(dir, "gen-1"+model.IndexSuffix)
	bloom := filepath.Join(dir, "gen-1"+model.BloomSuffix)

	w, err := NewWriter(data, index, bloom, &Config{BloomFilterFP: 0.01})
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, w.Write(row))
	}
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())
	assert.Equal(t, len(rows), w.Count())

	return data, index, bloom
}

func testRows(n int) []*model.Row {
	rows := make([]*model.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, &model.Row{
			Key:       fmt.Sprintf("key-%04d", i),
			Columns:   map[string][]byte{"city": []byte(fmt.Sprintf("city-%d", i%3))},
			Timestamp: int64(i),
		})
	}
	return rows
}

func TestScanner_StreamsRowsInWriteOrder(t *testing.T) {
	rows := testRows(50)
	data, _, _ := writeTable(t, t.TempDir(), rows)

	scanner, err := NewScanner(data)
	require.NoError(t, err)
	defer scanner.Close()

	for i := range rows {
		row, err := scanner.Next()
		require.NoError(t, err)
		assert.Equal(t, rows[i].Key, row.Key)
		assert.Equal(t, rows[i].Columns["city"], row.Columns["city"])
	}

	_, err = scanner.Next()
	assert.Equal(t, io.EOF, err)
}

func TestScanner_DetectsCorruption(t *testing.T) {
	data, _, _ := writeTable(t, t.TempDir(), testRows(3))

	raw, err := os.ReadFile(data)
	require.NoError(t, err)
	raw[recordHeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(data, raw, 0644))

	scanner, err := NewScanner(data)
	require.NoError(t, err)
	defer scanner.Close()

	_, err = scanner.Next()
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeChecksumFailed, storageerrors.GetCode(err))
}

func TestScanner_DetectsTruncation(t *testing.T) {
	data, _, _ := writeTable(t, t.TempDir(), testRows(2))

	info, err := os.Stat(data)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(data, info.Size()-3))

	scanner, err := NewScanner(data)
	require.NoError(t, err)
	defer scanner.Close()

	_, err = scanner.Next()
	require.NoError(t, err)
	_, err = scanner.Next()
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeCorruptedData, storageerrors.GetCode(err))
}

func TestWriter_RejectsOutOfOrderKeys(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "a.sst"), filepath.Join(dir, "a.sst.idx"), filepath.Join(dir, "a.sst.bloom"), nil)
	require.NoError(t, err)

	require.NoError(t, w.Write(&model.Row{Key: "b"}))
	assert.Error(t, w.Write(&model.Row{Key: "a"}))
	assert.Error(t, w.Write(&model.Row{Key: "b"}))

	w.Abort()
	_, err = os.Stat(filepath.Join(dir, "a.sst"))
	assert.True(t, os.IsNotExist(err))
}

func TestReader_Get(t *testing.T) {
	rows := testRows(100)
	data, index, bloom := writeTable(t, t.TempDir(), rows)

	reader, err := NewReader(data, index, bloom)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, 100, reader.Len())

	row, err := reader.Get("key-0042")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(42), row.Timestamp)

	row, err = reader.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestBloomFilter(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("key-%d", i))
	}

	for i := 0; i < 1000; i++ {
		assert.True(t, bf.MayContain(fmt.Sprintf("key-%d", i)))
	}

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.MayContain(fmt.Sprintf("other-%d", i)) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 500, "false positive rate should stay near the configured rate")
}

func TestBloomFilter_RoundTripThroughFile(t *testing.T) {
	_, _, bloom := writeTable(t, t.TempDir(), testRows(10))

	bf, err := LoadBloomFilter(bloom)
	require.NoError(t, err)
	assert.True(t, bf.MayContain("key-0003"))
}
