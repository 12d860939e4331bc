package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"os"
)

// BloomFilter is a probabilistic data structure for set membership
type BloomFilter struct {
	words     []uint64
	size      uint64
	hashCount uint64
}

// NewBloomFilter creates a new bloom filter with expected elements and false positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(math.Ceil(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if size < 64 {
		size = 64
	}

	// k = (m/n) * ln(2)
	hashCount := uint64(math.Round(float64(size) / float64(expectedElements) * math.Ln2))
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		words:     make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key into the bloom filter
func (bf *BloomFilter) Add(key string) {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.words[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain checks if a key might be in the set
func (bf *BloomFilter) MayContain(key string) bool {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// hashes returns the two base hashes used for double hashing
func (bf *BloomFilter) hashes(key string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(key))
	h1 := h.Sum64()

	h.Reset()
	h.Write([]byte(key))
	h.Write([]byte{0xff})
	h2 := h.Sum64() | 1

	return h1, h2
}

// WriteTo serializes the bloom filter
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, bf.size); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, bf.hashCount); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, bf.words); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return int64(16 + 8*len(bf.words)), nil
}

// LoadBloomFilter loads a bloom filter from a file
func LoadBloomFilter(filePath string) (*BloomFilter, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	bf := &BloomFilter{}
	if err := binary.Read(r, binary.LittleEndian, &bf.size); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter size: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &bf.hashCount); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter hash count: %w", err)
	}
	if bf.size == 0 || bf.hashCount == 0 {
		return nil, fmt.Errorf("malformed bloom filter %s", filePath)
	}

	bf.words = make([]uint64, (bf.size+63)/64)
	if err := binary.Read(r, binary.LittleEndian, bf.words); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter bits: %w", err)
	}

	return bf, nil
}
