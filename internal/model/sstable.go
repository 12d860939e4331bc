package model

import (
	"path/filepath"
	"time"
)

// SSTable component suffixes
const (
	DataSuffix  = ".sst"
	IndexSuffix = ".sst.idx"
	BloomSuffix = ".sst.bloom"
)

// StagingFile describes a closed, immutable sstable that sits in a table's
// staging directory and is not yet visible to reads
type StagingFile struct {
	Generation string
	Table      TableID
	Dir        string
	Size       int64
	RowCount   int
	CreatedAt  time.Time
}

// Identifier returns a human readable name used in logs
func (f *StagingFile) Identifier() string {
	return f.Table.String() + "/" + f.Generation
}

// DataPath returns the path of the data component
func (f *StagingFile) DataPath() string {
	return filepath.Join(f.Dir, f.Generation+DataSuffix)
}

// IndexPath returns the path of the index component
func (f *StagingFile) IndexPath() string {
	return filepath.Join(f.Dir, f.Generation+IndexSuffix)
}

// BloomPath returns the path of the bloom filter component
func (f *StagingFile) BloomPath() string {
	return filepath.Join(f.Dir, f.Generation+BloomSuffix)
}

// Components returns every on-disk component of the file. The data
// component is last so that a partially moved file is never picked up as
// complete by a directory scan.
func (f *StagingFile) Components() []string {
	return []string{f.IndexPath(), f.BloomPath(), f.DataPath()}
}

// ComponentSuffixes lists component suffixes in the same order as Components
func ComponentSuffixes() []string {
	return []string{IndexSuffix, BloomSuffix, DataSuffix}
}
