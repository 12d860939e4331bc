package sstable

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/util"
)

// recordHeaderSize is the size prefix plus the checksum of every data record
const recordHeaderSize = 4 + 4

// IndexEntry represents an entry in the SSTable index
type IndexEntry struct {
	Key      string
	Offset   int64
	Size     int32
	Checksum uint32 // CRC32 checksum of the record payload
}

// Config holds SSTable writer configuration
type Config struct {
	BloomFilterFP float64
}

// Writer writes rows to an SSTable. Rows must be written in strictly
// ascending key order.
type Writer struct {
	dataPath  string
	indexPath string
	bloomPath string
	dataFile  *os.File
	data      *bufio.Writer
	offset    int64
	index     []IndexEntry
	lastKey   string
	config    *Config
	finalized bool
	closed    bool
}

// NewWriter creates the three component files of a new SSTable
func NewWriter(dataPath, indexPath, bloomPath string, config *Config) (*Writer, error) {
	if config == nil {
		config = &Config{BloomFilterFP: 0.01}
	}

	dataFile, err := os.OpenFile(dataPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}

	return &Writer{
		dataPath:  dataPath,
		indexPath: indexPath,
		bloomPath: bloomPath,
		dataFile:  dataFile,
		data:      bufio.NewWriterSize(dataFile, 64*1024),
		index:     make([]IndexEntry, 0, 128),
		config:    config,
	}, nil
}

// Write appends a row to the data file
func (w *Writer) Write(row *model.Row) error {
	if w.finalized {
		return fmt.Errorf("sstable %s already finalized", w.dataPath)
	}
	if len(w.index) > 0 && row.Key <= w.lastKey {
		return fmt.Errorf("row key %q written out of order after %q", row.Key, w.lastKey)
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	checksum := util.ComputeChecksum(payload)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], checksum)
	if _, err := w.data.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.data.Write(payload); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		Key:      row.Key,
		Offset:   w.offset,
		Size:     int32(len(payload)),
		Checksum: checksum,
	})
	w.lastKey = row.Key
	w.offset += int64(recordHeaderSize + len(payload))

	return nil
}

// Finalize flushes the data file and writes the index and bloom filter.
// The data file is synced last.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}

	if err := w.writeIndex(); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := w.writeBloomFilter(); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	if err := w.data.Flush(); err != nil {
		return fmt.Errorf("failed to flush data file: %w", err)
	}
	if err := w.dataFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}

	w.finalized = true
	return nil
}

// writeIndex writes every index entry followed by its checksum
func (w *Writer) writeIndex() error {
	f, err := os.OpenFile(w.indexPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, entry := range w.index {
		if err := binary.Write(bw, binary.LittleEndian, int32(len(entry.Key))); err != nil {
			return err
		}
		if _, err := bw.WriteString(entry.Key); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, entry.Offset); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, entry.Size); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, entry.Checksum); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// writeBloomFilter sizes the filter for the rows actually written
func (w *Writer) writeBloomFilter() error {
	bf := NewBloomFilter(len(w.index), w.config.BloomFilterFP)
	for _, entry := range w.index {
		bf.Add(entry.Key)
	}

	f, err := os.OpenFile(w.bloomPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := bf.WriteTo(f); err != nil {
		return err
	}
	return f.Sync()
}

// Size returns the number of bytes written to the data file
func (w *Writer) Size() int64 {
	return w.offset
}

// Count returns the number of rows written
func (w *Writer) Count() int {
	return len(w.index)
}

// Close closes the data file
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.dataFile.Close()
}

// Abort closes the writer and removes any component written so far
func (w *Writer) Abort() {
	w.Close()
	os.Remove(w.indexPath)
	os.Remove(w.bloomPath)
	os.Remove(w.dataPath)
}
