package sstable

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/util"
)

// Scanner streams the rows of an SSTable in file order
type Scanner struct {
	path     string
	file     *os.File
	reader   *bufio.Reader
	rowCount int
}

// NewScanner opens the data component of an SSTable for sequential reading
func NewScanner(dataPath string) (*Scanner, error) {
	file, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	return &Scanner{
		path:   dataPath,
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
	}, nil
}

// Next returns the next row, or io.EOF once every row has been read
func (s *Scanner) Next() (*model.Row, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(s.reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, storageerrors.CorruptedData(fmt.Sprintf("truncated record header in %s after %d rows", s.path, s.rowCount), err)
	}

	size := binary.LittleEndian.Uint32(header[0:4])
	checksum := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return nil, storageerrors.CorruptedData(fmt.Sprintf("truncated record in %s after %d rows", s.path, s.rowCount), err)
	}
	if !util.ValidateChecksum(payload, checksum) {
		return nil, storageerrors.ChecksumFailed(checksum, util.ComputeChecksum(payload)).
			WithDetail("file", s.path)
	}

	var row model.Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, storageerrors.CorruptedData(fmt.Sprintf("failed to unmarshal row in %s", s.path), err)
	}

	s.rowCount++
	return &row, nil
}

// Close closes the scanner
func (s *Scanner) Close() error {
	return s.file.Close()
}

// Reader provides point lookups through the SSTable index
type Reader struct {
	dataFile *os.File
	index    map[string]IndexEntry
	bloom    *BloomFilter
}

// NewReader opens an SSTable for point lookups
func NewReader(dataPath, indexPath, bloomPath string) (*Reader, error) {
	bloom, err := LoadBloomFilter(bloomPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load bloom filter: %w", err)
	}

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	reader := &Reader{
		dataFile: dataFile,
		index:    make(map[string]IndexEntry),
		bloom:    bloom,
	}

	if err := reader.loadIndex(indexPath); err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	return reader, nil
}

// loadIndex loads the index file into memory
func (r *Reader) loadIndex(indexPath string) error {
	f, err := os.Open(indexPath)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		var keyLen int32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(br, keyBytes); err != nil {
			return err
		}

		entry := IndexEntry{Key: string(keyBytes)}
		if err := binary.Read(br, binary.LittleEndian, &entry.Offset); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &entry.Size); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &entry.Checksum); err != nil {
			return err
		}

		r.index[entry.Key] = entry
	}
}

// Get retrieves a row by key. It returns nil when the key is absent.
func (r *Reader) Get(key string) (*model.Row, error) {
	if !r.bloom.MayContain(key) {
		return nil, nil
	}

	entry, found := r.index[key]
	if !found {
		return nil, nil
	}

	payload := make([]byte, entry.Size)
	if _, err := r.dataFile.ReadAt(payload, entry.Offset+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read row %q: %w", key, err)
	}
	if !util.ValidateChecksum(payload, entry.Checksum) {
		return nil, storageerrors.ChecksumFailed(entry.Checksum, util.ComputeChecksum(payload)).
			WithDetail("key", key)
	}

	var row model.Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row %q: %w", key, err)
	}
	return &row, nil
}

// Len returns the number of indexed rows
func (r *Reader) Len() int {
	return len(r.index)
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.dataFile.Close()
}
