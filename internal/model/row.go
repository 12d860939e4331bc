package model

// Row is a single partition row stored in an sstable
type Row struct {
	Key         string            `json:"key"`
	Columns     map[string][]byte `json:"columns,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	IsTombstone bool              `json:"is_tombstone,omitempty"` // True if this is a delete marker
}

// Size returns the approximate payload size of the row in bytes
func (r *Row) Size() int {
	n := len(r.Key)
	for name, value := range r.Columns {
		n += len(name) + len(value)
	}
	return n
}

// ViewUpdate is a derived write targeting a materialized view
type ViewUpdate struct {
	View TableID
	Row  Row
}
