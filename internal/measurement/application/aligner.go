package application

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	measurement "heatpump-cloud/internal/measurement/domain"
)

// ColumnMap names the sheets and header names of a workbook. Each name is
// matched fuzzily; optional columns may be left empty to disable them.
type ColumnMap struct {
	SheetSource string `yaml:"sheet_source" json:"sheet_source"`
	SheetSink   string `yaml:"sheet_sink" json:"sheet_sink"`

	TimeStartSource string `yaml:"time_start_source" json:"time_start_source"`
	TimeEndSource   string `yaml:"time_end_source" json:"time_end_source"`
	TimeStartSink   string `yaml:"time_start_sink" json:"time_start_sink"`
	TimeEndSink     string `yaml:"time_end_sink" json:"time_end_sink"`

	SourceTIn  string `yaml:"src_T_in" json:"src_T_in"`
	SourceTOut string `yaml:"src_T_out" json:"src_T_out"`

	SinkTIn       string `yaml:"sink_T_in" json:"sink_T_in"`
	SinkTOut      string `yaml:"sink_T_out" json:"sink_T_out"`
	SinkEnergyKWh string `yaml:"sink_energy_kwh" json:"sink_energy_kwh"`
	SinkPowerKW   string `yaml:"sink_q_cond_kw" json:"sink_q_cond_kw"`
	SinkEtaSPct   string `yaml:"sink_eta_s_pct" json:"sink_eta_s_pct"`
}

// DefaultColumnMap returns the header names of the reference workbook layout.
func DefaultColumnMap() ColumnMap {
	return ColumnMap{
		SheetSource:     "Heat source",
		SheetSink:       "Heat sink",
		TimeStartSource: "start measurement",
		TimeEndSource:   "end measurement",
		TimeStartSink:   "start measurement",
		TimeEndSink:     "end measurement",
		SourceTIn:       "T_in[degC]",
		SourceTOut:      "T_out[degC]",
		SinkTIn:         "T_in[degC]",
		SinkTOut:        "T_out[degC]",
		SinkEnergyKWh:   "Energy[kWh]",
	}
}

// Validate checks that required names are set.
func (c ColumnMap) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"sheet_source", c.SheetSource},
		{"sheet_sink", c.SheetSink},
		{"time_start_source", c.TimeStartSource},
		{"time_end_source", c.TimeEndSource},
		{"time_start_sink", c.TimeStartSink},
		{"time_end_sink", c.TimeEndSink},
		{"src_T_in", c.SourceTIn},
		{"sink_T_out", c.SinkTOut},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("columns: %s is required", field.key)
		}
	}
	return nil
}

// Aligner resolves, time-aligns and unit-normalizes the two measurement sheets.
type Aligner struct {
	columns ColumnMap
	logger  *log.Logger
}

// NewAligner constructs an Aligner.
func NewAligner(columns ColumnMap, logger *log.Logger) (*Aligner, error) {
	if err := columns.Validate(); err != nil {
		return nil, err
	}
	return &Aligner{columns: columns, logger: logger}, nil
}

type binding struct {
	key    string
	column string
	index  int
}

// Align merges source and sink into one series ordered by time.
func (a *Aligner) Align(source, sink measurement.Table) (measurement.AlignedTable, error) {
	if a == nil {
		return measurement.AlignedTable{}, errors.New("aligner: nil")
	}
	if len(source.Columns) == 0 {
		return measurement.AlignedTable{}, fmt.Errorf("%w: sheet %q", measurement.ErrEmptyTable, source.Sheet)
	}
	if len(sink.Columns) == 0 {
		return measurement.AlignedTable{}, fmt.Errorf("%w: sheet %q", measurement.ErrEmptyTable, sink.Sheet)
	}
	c := a.columns

	srcStart, err := measurement.ResolveColumn(source, c.TimeStartSource, measurement.FallbackStart...)
	if err != nil {
		return measurement.AlignedTable{}, err
	}
	srcEnd, err := measurement.ResolveColumn(source, c.TimeEndSource, measurement.FallbackEnd...)
	if err != nil {
		return measurement.AlignedTable{}, err
	}
	snkStart, err := measurement.ResolveColumn(sink, c.TimeStartSink, measurement.FallbackStart...)
	if err != nil {
		return measurement.AlignedTable{}, err
	}
	snkEnd, err := measurement.ResolveColumn(sink, c.TimeEndSink, measurement.FallbackEnd...)
	if err != nil {
		return measurement.AlignedTable{}, err
	}

	srcStamps, droppedSrc := measurement.MidTimes(source, srcStart, srcEnd)
	snkStamps, droppedSnk := measurement.MidTimes(sink, snkStart, snkEnd)
	a.logDropped(source.Sheet, droppedSrc)
	a.logDropped(sink.Sheet, droppedSnk)

	srcTIn, err := measurement.ResolveColumn(source, c.SourceTIn, measurement.FallbackSourceTIn...)
	if err != nil {
		return measurement.AlignedTable{}, err
	}
	sourceBindings := []binding{{key: measurement.KeySourceTIn, column: srcTIn}}
	if col, ok := measurement.ResolveOptional(source, c.SourceTOut, measurement.FallbackSourceTOut...); ok {
		sourceBindings = append(sourceBindings, binding{key: measurement.KeySourceTOut, column: col})
	}

	snkTOut, err := measurement.ResolveColumn(sink, c.SinkTOut, measurement.FallbackSinkTOut...)
	if err != nil {
		return measurement.AlignedTable{}, err
	}
	sinkBindings := []binding{{key: measurement.KeySinkTOut, column: snkTOut}}
	if col, ok := measurement.ResolveOptional(sink, c.SinkTIn, measurement.FallbackSinkTIn...); ok {
		sinkBindings = append(sinkBindings, binding{key: measurement.KeySinkTIn, column: col})
	}
	powerCol, hasPower := measurement.ResolveOptional(sink, c.SinkPowerKW, measurement.FallbackPower...)
	if hasPower {
		sinkBindings = append(sinkBindings, binding{key: measurement.KeySinkPowerKW, column: powerCol})
	}
	energyCol, hasEnergy := measurement.ResolveOptional(sink, c.SinkEnergyKWh, measurement.FallbackEnergy...)
	if hasEnergy {
		sinkBindings = append(sinkBindings, binding{key: measurement.KeySinkEnergyKWh, column: energyCol})
	}
	if col, ok := measurement.ResolveOptional(sink, c.SinkEtaSPct, measurement.FallbackEta...); ok {
		sinkBindings = append(sinkBindings, binding{key: measurement.KeyEtaSPct, column: col})
	}
	bindIndexes(source, sourceBindings)
	bindIndexes(sink, sinkBindings)

	pairs := measurement.MergeNearest(srcStamps, snkStamps)
	records := make([]measurement.Record, 0, len(pairs))
	for _, pair := range pairs {
		values := make(map[string]float64, len(sourceBindings)+len(sinkBindings)+1)
		for _, b := range sourceBindings {
			values[b.key] = measurement.ParseNumber(source.Cell(pair.Source.Row, b.index))
		}
		for _, b := range sinkBindings {
			if !pair.Matched {
				values[b.key] = math.NaN()
				continue
			}
			values[b.key] = measurement.ParseNumber(sink.Cell(pair.Sink.Row, b.index))
		}
		records = append(records, measurement.Record{At: pair.Source.At, Values: values})
	}

	times := make([]time.Time, 0, len(records))
	for _, rec := range records {
		times = append(times, rec.At)
	}
	interval := measurement.InferIntervalHours(times)
	powerPresent := measurement.NormalizePower(records, hasPower, hasEnergy, interval)

	resolved := make(map[string]string, len(sourceBindings)+len(sinkBindings))
	var columns []string
	for _, b := range append(sourceBindings, sinkBindings...) {
		resolved[b.key] = b.column
		if b.key == measurement.KeySinkPowerKW {
			continue
		}
		columns = append(columns, b.key)
	}
	if powerPresent {
		columns = append(columns, measurement.KeySinkPowerKW)
	}

	return measurement.AlignedTable{
		Records:       records,
		Columns:       columns,
		IntervalHours: interval,
		DroppedSource: droppedSrc,
		DroppedSink:   droppedSnk,
		Resolved:      resolved,
	}, nil
}

func bindIndexes(t measurement.Table, bindings []binding) {
	for i := range bindings {
		bindings[i].index = t.ColumnIndex(bindings[i].column)
	}
}

func (a *Aligner) logDropped(sheet string, dropped int) {
	if a.logger == nil || dropped == 0 {
		return
	}
	a.logger.Printf("event=timestamp_parse_failure sheet=%q dropped_rows=%d", sheet, dropped)
}
