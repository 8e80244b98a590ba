package measurement

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrColumnNotFound is returned when a required column cannot be resolved.
	ErrColumnNotFound = errors.New("measurement: column not found")
	// ErrTimestampParse marks a cell that is not a recognizable timestamp.
	ErrTimestampParse = errors.New("measurement: timestamp parse failure")
	// ErrEmptyTable is returned when a sheet has no header row.
	ErrEmptyTable = errors.New("measurement: empty table")
)

// ColumnNotFoundError carries the candidate list for operator diagnosis.
type ColumnNotFoundError struct {
	Sheet     string
	Desired   string
	Available []string
}

func (e *ColumnNotFoundError) Error() string {
	sheet := e.Sheet
	if sheet == "" {
		sheet = "?"
	}
	return fmt.Sprintf("measurement: could not find a column like %q in sheet %q; available columns: [%s]",
		e.Desired, sheet, strings.Join(quoteAll(e.Available), ", "))
}

// Is makes errors.Is(err, ErrColumnNotFound) hold.
func (e *ColumnNotFoundError) Is(target error) bool {
	return target == ErrColumnNotFound
}

func quoteAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%q", v)
	}
	return out
}
