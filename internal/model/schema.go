package model

import "strings"

// TableID identifies a table. It is comparable and used as a map key.
type TableID struct {
	Keyspace string
	Name     string
}

func (id TableID) String() string {
	return id.Keyspace + "." + id.Name
}

// ParseTableID parses "keyspace.table"
func ParseTableID(s string) (TableID, bool) {
	keyspace, name, ok := strings.Cut(s, ".")
	if !ok || keyspace == "" || name == "" {
		return TableID{}, false
	}
	return TableID{Keyspace: keyspace, Name: name}, true
}

// ViewDefinition describes a materialized view maintained from a base table.
// View rows are keyed by the value of KeyColumn followed by the base key.
type ViewDefinition struct {
	ID             TableID
	KeyColumn      string
	IncludeColumns []string
}

// Schema is the current schema of a base table
type Schema struct {
	Table   TableID
	Version string
	Columns []string
	Views   []ViewDefinition
}

// HasColumn reports whether the schema declares a column
func (s *Schema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}
