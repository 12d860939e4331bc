package memtable

import (
	"math/rand"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// node represents a node in the skip list
type node struct {
	row     *model.Row
	forward []*node
}

// SkipList keeps rows sorted by key so they can be written to an sstable.
// When a key is inserted twice the row with the higher timestamp wins.
// A SkipList is not safe for concurrent use.
type SkipList struct {
	head  *node
	level int
	size  int
	bytes int
	rng   *rand.Rand
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	return &SkipList{
		head: &node{forward: make([]*node, MaxLevel)},
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList) randomLevel() int {
	level := 0
	for sl.rng.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// Put inserts a row, reconciling with an existing row of the same key
func (sl *SkipList) Put(row *model.Row) {
	update := make([]*node, MaxLevel)
	current := sl.head

	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].row.Key < row.Key {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current != nil && current.row.Key == row.Key {
		if row.Timestamp >= current.row.Timestamp {
			sl.bytes += row.Size() - current.row.Size()
			current.row = row
		}
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node{
		row:     row,
		forward: make([]*node, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}

	sl.size++
	sl.bytes += row.Size()
}

// Get finds a row by key
func (sl *SkipList) Get(key string) (*model.Row, bool) {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].row.Key < key {
			current = current.forward[i]
		}
	}

	current = current.forward[0]
	if current != nil && current.row.Key == key {
		return current.row, true
	}
	return nil, false
}

// Len returns the number of distinct keys
func (sl *SkipList) Len() int {
	return sl.size
}

// Bytes returns the approximate payload size of all rows
func (sl *SkipList) Bytes() int {
	return sl.bytes
}

// Rows returns all rows in ascending key order
func (sl *SkipList) Rows() []*model.Row {
	rows := make([]*model.Row, 0, sl.size)
	for n := sl.head.forward[0]; n != nil; n = n.forward[0] {
		rows = append(rows, n.row)
	}
	return rows
}
