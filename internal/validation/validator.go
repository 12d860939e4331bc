package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
)

const (
	// Size limits
	MaxKeySize   = 1024             // 1 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
	MaxNameSize  = 48

	// MaxRowsPerBatch bounds a single staging write
	MaxRowsPerBatch = 10000
)

// Validator validates names, rows and row batches
type Validator struct {
	maxKeySize   int
	maxValueSize int
	maxRows      int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxKeySize, MaxValueSize, MaxRowsPerBatch)
}

// NewValidatorWithLimits creates a validator with custom limits. Non-positive
// limits fall back to the defaults.
func NewValidatorWithLimits(maxKeySize, maxValueSize, maxRows int) *Validator {
	if maxKeySize <= 0 {
		maxKeySize = MaxKeySize
	}
	if maxValueSize <= 0 {
		maxValueSize = MaxValueSize
	}
	if maxRows <= 0 {
		maxRows = MaxRowsPerBatch
	}
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
		maxRows:      maxRows,
	}
}

// ValidateName validates a keyspace, table, view or column name. Names are
// used as directory names so only letters, digits and underscores are
// allowed.
func ValidateName(kind, name string) error {
	if name == "" {
		return errors.InvalidName(kind, name, "name cannot be empty")
	}
	if len(name) > MaxNameSize {
		return errors.InvalidName(kind, name, fmt.Sprintf("name exceeds maximum size of %d bytes", MaxNameSize))
	}
	for _, r := range name {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return errors.InvalidName(kind, name, "name may only contain letters, digits and underscores")
		}
	}
	return nil
}

// ValidateTableID validates both parts of a table id
func ValidateTableID(id model.TableID) error {
	if err := ValidateName("keyspace", id.Keyspace); err != nil {
		return err
	}
	return ValidateName("table", id.Name)
}

// ValidateKey validates a row key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.InvalidKey(truncate(key, 32), fmt.Sprintf("key exceeds maximum size of %d bytes", v.maxKeySize))
	}

	// Check for control characters (except tab and newline which might be intentional)
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}

	if strings.Contains(key, "\x00") {
		return errors.InvalidKey(key, "key cannot contain null bytes")
	}

	return nil
}

// ValidateRow validates a row against the schema of its table
func (v *Validator) ValidateRow(schema *model.Schema, row *model.Row) error {
	if err := v.ValidateKey(row.Key); err != nil {
		return err
	}
	if row.Timestamp < 0 {
		return errors.InvalidArgument(fmt.Sprintf("row %s has negative timestamp %d", row.Key, row.Timestamp), nil)
	}

	for name, value := range row.Columns {
		if !schema.HasColumn(name) {
			return errors.InvalidArgument(fmt.Sprintf("column %s is not part of %s", name, schema.Table), nil).
				WithDetail("column", name)
		}
		if len(value) > v.maxValueSize {
			return errors.ValueTooLarge(name, len(value), v.maxValueSize)
		}
	}

	return nil
}

// ValidateBatch validates every row of a staging write
func (v *Validator) ValidateBatch(schema *model.Schema, rows []*model.Row) error {
	if len(rows) == 0 {
		return errors.InvalidArgument("batch contains no rows", nil)
	}
	if len(rows) > v.maxRows {
		return errors.InvalidArgument(fmt.Sprintf("batch has %d rows, maximum is %d", len(rows), v.maxRows), nil)
	}

	for i, row := range rows {
		if row == nil {
			return errors.InvalidArgument(fmt.Sprintf("row %d is null", i), nil)
		}
		if err := v.ValidateRow(schema, row); err != nil {
			return err
		}
	}
	return nil
}

// EstimateWriteSize estimates the disk space needed to store rows in an
// sstable. This is used by the disk manager to check available space.
func EstimateWriteSize(rows []*model.Row) uint64 {
	var total uint64
	for _, row := range rows {
		// record header, json framing, index entry and bloom bits
		total += uint64(row.Size()) + 128
	}
	// safety margin (20%)
	return total + total/5
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
