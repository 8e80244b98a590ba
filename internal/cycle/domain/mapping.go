package cycle

import (
	"errors"
	"fmt"
	"math"
	"time"

	measurement "heatpump-cloud/internal/measurement/domain"
)

// MappingParams translate plant temperatures into refrigerant targets.
type MappingParams struct {
	EvapApproachK float64 `yaml:"evap_approach_K" json:"evap_approach_K"`
	SinkSetpointC float64 `yaml:"sink_setpoint_C" json:"sink_setpoint_C"`
	SinkApproachK float64 `yaml:"sink_approach_K" json:"sink_approach_K"`

	EvapMinC float64 `yaml:"evap_min_C" json:"evap_min_C"`
	EvapMaxC float64 `yaml:"evap_max_C" json:"evap_max_C"`
	CondMinC float64 `yaml:"cond_min_C" json:"cond_min_C"`
	CondMaxC float64 `yaml:"cond_max_C" json:"cond_max_C"`
}

// DefaultMappingParams returns approach temperatures and bounds that keep
// the refrigerant inside the valid two-phase region.
func DefaultMappingParams() MappingParams {
	return MappingParams{
		EvapApproachK: 5.0,
		SinkSetpointC: 80.0,
		SinkApproachK: 0.0,
		EvapMinC:      -15.0,
		EvapMaxC:      25.0,
		CondMinC:      60.0,
		CondMaxC:      95.0,
	}
}

// Validate rejects inverted or non-finite bounds.
func (p MappingParams) Validate() error {
	for _, v := range []float64{p.EvapApproachK, p.SinkSetpointC, p.SinkApproachK, p.EvapMinC, p.EvapMaxC, p.CondMinC, p.CondMaxC} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("mapping: non-finite parameter")
		}
	}
	if p.EvapMinC > p.EvapMaxC {
		return fmt.Errorf("mapping: evap_min_C %.2f > evap_max_C %.2f", p.EvapMinC, p.EvapMaxC)
	}
	if p.CondMinC > p.CondMaxC {
		return fmt.Errorf("mapping: cond_min_C %.2f > cond_max_C %.2f", p.CondMinC, p.CondMaxC)
	}
	return nil
}

// Clamp limits v to [lo, hi]. NaN passes through.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Min(math.Max(v, lo), hi)
}

// EvapTarget returns the bounded evaporator refrigerant temperature.
func (p MappingParams) EvapTarget(sourceTInC float64) float64 {
	return Clamp(sourceTInC-p.EvapApproachK, p.EvapMinC, p.EvapMaxC)
}

// CondTarget returns the bounded condenser refrigerant temperature. The sink
// outlet is used only with a positive approach; otherwise the setpoint applies.
func (p MappingParams) CondTarget(sinkTOutC float64, sinkAvailable bool) float64 {
	if p.SinkApproachK > 0 && sinkAvailable {
		return Clamp(sinkTOutC+p.SinkApproachK, p.CondMinC, p.CondMaxC)
	}
	return Clamp(p.SinkSetpointC, p.CondMinC, p.CondMaxC)
}

// Record keys written by the mapper.
const (
	KeyEvapRefC = "T_evap_ref_C"
	KeyCondRefC = "T_cond_ref_C"
)

// Targets derives the refrigerant temperatures of one aligned record.
// A missing input gives NaN, resolved later against the last known point.
func (p MappingParams) Targets(rec measurement.Record, sinkColumnPresent bool) (evapC, condC float64) {
	evapC = p.EvapTarget(rec.Get(measurement.KeySourceTIn))
	sinkTOut, sinkOK := rec.Value(measurement.KeySinkTOut)
	if p.SinkApproachK > 0 && sinkColumnPresent && !sinkOK {
		return evapC, math.NaN()
	}
	return evapC, p.CondTarget(sinkTOut, sinkColumnPresent)
}

// MapTable writes KeyEvapRefC and KeyCondRefC into every record.
func (p MappingParams) MapTable(table *measurement.AlignedTable) {
	sinkPresent := table.Has(measurement.KeySinkTOut)
	for i := range table.Records {
		evap, cond := p.Targets(table.Records[i], sinkPresent)
		table.Records[i].Values[KeyEvapRefC] = evap
		table.Records[i].Values[KeyCondRefC] = cond
	}
	if !table.Has(KeyEvapRefC) {
		table.Columns = append(table.Columns, KeyEvapRefC, KeyCondRefC)
	}
}

// FieldMap names the record keys the engine inputs are read from. An empty
// key disables the input.
type FieldMap struct {
	TSourceC string
	TSinkC   string
	QCondKW  string
	EtaSPct  string
}

// DefaultFieldMap reads the mapper targets, the normalized sink power and
// the optional efficiency column.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		TSourceC: KeyEvapRefC,
		TSinkC:   KeyCondRefC,
		QCondKW:  measurement.KeySinkPowerKW,
		EtaSPct:  measurement.KeyEtaSPct,
	}
}

// Point reads an operating point from a mapped record.
func (f FieldMap) Point(rec measurement.Record) OperatingPoint {
	point := OperatingPoint{
		At:        rec.At,
		TEvapRefC: lookup(rec, f.TSourceC),
		TCondRefC: lookup(rec, f.TSinkC),
		QCondKW:   math.Abs(lookup(rec, f.QCondKW)),
		EtaS:      math.NaN(),
	}
	if pct := lookup(rec, f.EtaSPct); pct > 0 {
		point.EtaS = pct / 100.0
	}
	return point
}

func lookup(rec measurement.Record, key string) float64 {
	if key == "" {
		return math.NaN()
	}
	return rec.Get(key)
}

// MapAll maps the table in place and returns the operating points in order.
func (p MappingParams) MapAll(table *measurement.AlignedTable, fields FieldMap) []OperatingPoint {
	p.MapTable(table)
	points := make([]OperatingPoint, 0, len(table.Records))
	for _, rec := range table.Records {
		points = append(points, fields.Point(rec))
	}
	return points
}

// OperatingPoint is the refrigerant-side specification of one row.
type OperatingPoint struct {
	At        time.Time
	TEvapRefC float64
	TCondRefC float64
	QCondKW   float64
	EtaS      float64
}
