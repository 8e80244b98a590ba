package measurement

import (
	"math"
	"time"
)

// Table is one raw sheet as read from a workbook. Column order is the sheet order.
type Table struct {
	Sheet   string
	Columns []string
	Rows    [][]string
}

// ColumnIndex returns the index of an exact column name.
func (t Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// Cell returns the raw cell text, or "" when the row is shorter than the header.
func (t Table) Cell(row, col int) string {
	if row < 0 || row >= len(t.Rows) || col < 0 {
		return ""
	}
	cells := t.Rows[row]
	if col >= len(cells) {
		return ""
	}
	return cells[col]
}

// Len returns the number of data rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// Record keys used for resolved fields of an aligned row.
const (
	KeySourceTIn     = "src_T_in_C"
	KeySourceTOut    = "src_T_out_C"
	KeySinkTOut      = "sink_T_out_C"
	KeySinkTIn       = "sink_T_in_C"
	KeySinkPowerKW   = "sink_Q_kW"
	KeySinkEnergyKWh = "sink_energy_kWh"
	KeyEtaSPct       = "eta_s_pct"
)

// Record is one time-aligned row. A NaN value means missing.
type Record struct {
	At     time.Time
	Values map[string]float64
}

// Value returns a field and whether it holds a usable number.
func (r Record) Value(key string) (float64, bool) {
	if r.Values == nil {
		return math.NaN(), false
	}
	v, ok := r.Values[key]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}

// Get returns a field or NaN.
func (r Record) Get(key string) float64 {
	v, _ := r.Value(key)
	return v
}

// AlignedTable is the merged source/sink series.
type AlignedTable struct {
	Records []Record
	// Columns lists the record keys that were resolved, in output order.
	Columns       []string
	IntervalHours float64
	DroppedSource int
	DroppedSink   int
	// Resolved maps record keys to the sheet column they were read from.
	Resolved map[string]string
}

// Has reports whether a record key was resolved for this table.
func (a AlignedTable) Has(key string) bool {
	for _, col := range a.Columns {
		if col == key {
			return true
		}
	}
	return false
}
