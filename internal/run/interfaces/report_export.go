package interfaces

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	cycle "heatpump-cloud/internal/cycle/domain"
	runapp "heatpump-cloud/internal/run/application"
)

const (
	timeseriesSheet = "timeseries"
	summarySheet    = "summary"
)

// Exporter renders run results as XLSX and PDF.
type Exporter struct{}

// TimeseriesXLSX implements the run report renderer.
func (Exporter) TimeseriesXLSX(result *runapp.Result) ([]byte, error) {
	return BuildTimeseriesXLSX(result)
}

// RunReportPDF implements the run report renderer.
func (Exporter) RunReportPDF(result *runapp.Result) ([]byte, error) {
	return BuildRunReportPDF(result)
}

// BuildTimeseriesXLSX renders the output table and the run summary.
// Missing values are left as empty cells.
func BuildTimeseriesXLSX(result *runapp.Result) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("export: nil result")
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", timeseriesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	header := append([]string{"time"}, result.NumericHeader()...)
	header = append(header, "status", "error")
	if err := setRow(f, timeseriesSheet, 1, toAny(header)); err != nil {
		return nil, err
	}
	for i, row := range result.Rows {
		values := make([]any, 0, len(header))
		values = append(values, formatTime(row.Record.At))
		for _, v := range result.NumericValues(row) {
			if finite(v) {
				values = append(values, v)
			} else {
				values = append(values, nil)
			}
		}
		values = append(values, row.Status, row.Error)
		if err := setRow(f, timeseriesSheet, i+2, values); err != nil {
			return nil, err
		}
	}

	for i, pair := range summaryPairs(result) {
		if err := setRow(f, summarySheet, i+1, []any{pair.key, pair.value}); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, value := range values {
		if value == nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return err
		}
	}
	return nil
}

type chartSeries struct {
	label string
	rgb   [3]int
	value func(cycle.Metrics) float64
}

var copSeries = []chartSeries{
	{label: "COP", rgb: [3]int{200, 40, 40}, value: func(m cycle.Metrics) float64 { return m.COP }},
}

var powerSeries = []chartSeries{
	{label: "P_comp", rgb: [3]int{40, 90, 200}, value: func(m cycle.Metrics) float64 { return m.PCompKW }},
	{label: "|Q_cond|", rgb: [3]int{200, 40, 40}, value: func(m cycle.Metrics) float64 { return math.Abs(m.QCondKW) }},
	{label: "Q_evap", rgb: [3]int{30, 150, 60}, value: func(m cycle.Metrics) float64 { return m.QEvapKW }},
}

// BuildRunReportPDF renders a run report: run facts, the design condition,
// COP and power charts and the per-row table.
func BuildRunReportPDF(result *runapp.Result) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("export: nil result")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Heat Pump Run Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, pair := range summaryPairs(result) {
		pdf.Cell(0, 6, fmt.Sprintf("%s: %s", pair.key, pair.text()))
		pdf.Ln(5)
	}

	for _, chart := range []struct {
		title  string
		series []chartSeries
	}{
		{"COP over time", copSeries},
		{"Compressor power and duties (kW)", powerSeries},
	} {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, chart.title)
		pdf.Ln(8)
		drawChart(pdf, result.Rows, chart.series, 20, pdf.GetY(), 170, 50)
		pdf.SetY(pdf.GetY() + 56)
	}

	// Rows table
	widths := []float64{40, 22, 22, 26, 26, 18, 26}
	pdf.SetFont("Arial", "B", 9)
	for i, title := range []string{"Time", "T_evap (C)", "T_cond (C)", "Q_cond (kW)", "P_comp (kW)", "COP", "Status"} {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range result.Rows {
		m := row.Metrics
		cells := []string{
			row.Record.At.UTC().Format("2006-01-02 15:04"),
			fixed(row.Point.TEvapRefC, 2),
			fixed(row.Point.TCondRefC, 2),
			fixed(m.QCondKW, 1),
			fixed(m.PCompKW, 1),
			fixed(m.COP, 3),
			row.Status,
		}
		for i, cell := range cells {
			align := "R"
			if i == 0 || i == len(cells)-1 {
				align = "C"
			}
			pdf.CellFormat(widths[i], 6, cell, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawChart plots solved rows of every series against row order inside the
// box. All series share one value axis.
func drawChart(pdf *gofpdf.Fpdf, rows []runapp.MetricsRow, series []chartSeries, x, y, w, h float64) {
	pdf.SetDrawColor(0, 0, 0)
	pdf.Rect(x, y, w, h, "D")
	pdf.SetFont("Arial", "", 8)

	lo, hi := math.Inf(1), math.Inf(-1)
	solved := 0
	for _, row := range rows {
		if row.Status != runapp.RowStatusOK {
			continue
		}
		solved++
		for _, s := range series {
			if v := s.value(row.Metrics); finite(v) {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
		}
	}
	if solved < 2 || math.IsInf(lo, 0) {
		pdf.Text(x+4, y+h/2, "Not enough solved rows to plot")
		return
	}
	if hi-lo < 1e-9 {
		lo, hi = lo-0.5, hi+0.5
	}
	pdf.Text(x-12, y+3, strconv.FormatFloat(hi, 'f', 2, 64))
	pdf.Text(x-12, y+h, strconv.FormatFloat(lo, 'f', 2, 64))

	last := math.Max(float64(len(rows)-1), 1)
	px := func(index int) float64 { return x + w*float64(index)/last }
	py := func(v float64) float64 { return y + h - h*(v-lo)/(hi-lo) }

	pdf.SetLineWidth(0.4)
	for n, s := range series {
		pdf.SetDrawColor(s.rgb[0], s.rgb[1], s.rgb[2])
		pdf.SetTextColor(s.rgb[0], s.rgb[1], s.rgb[2])
		pdf.Text(x+2+float64(n)*25, y+4, s.label)
		prev := -1
		for i, row := range rows {
			v := s.value(row.Metrics)
			if row.Status != runapp.RowStatusOK || !finite(v) {
				continue
			}
			if prev >= 0 {
				pdf.Line(px(prev), py(s.value(rows[prev].Metrics)), px(i), py(v))
			}
			prev = i
		}
	}
	pdf.SetLineWidth(0.2)
	pdf.SetDrawColor(0, 0, 0)
	pdf.SetTextColor(0, 0, 0)
}

type summaryPair struct {
	key   string
	value any
}

func (p summaryPair) text() string {
	switch v := p.value.(type) {
	case float64:
		return fixed(v, 4)
	default:
		return fmt.Sprint(v)
	}
}

func summaryPairs(result *runapp.Result) []summaryPair {
	s := result.Summary
	pairs := []summaryPair{
		{"Run", s.RunID},
		{"Workbook", s.Workbook},
		{"Started", formatTime(s.StartedAt)},
		{"Rows aligned", s.RowsAligned},
		{"Rows solved", s.RowsSolved},
		{"Rows failed", s.RowsFailed},
		{"Dropped source rows", s.DroppedSource},
		{"Dropped sink rows", s.DroppedSink},
		{"Interval (h)", s.IntervalHours},
	}
	for _, field := range s.Design.Fields() {
		pairs = append(pairs, summaryPair{"Design " + field.Key, field.Value})
	}
	pairs = append(pairs,
		summaryPair{"Design pressure ratio", s.DesignState.PressureRatio},
		summaryPair{"Design mass flow (kg/s)", s.DesignState.MassFlowKgS},
		summaryPair{"Design P_comp (kW)", s.DesignState.PCompKW},
	)
	if s.COPMean != nil {
		pairs = append(pairs,
			summaryPair{"COP min", *s.COPMin},
			summaryPair{"COP mean", *s.COPMean},
			summaryPair{"COP max", *s.COPMax},
		)
	}
	return pairs
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func fixed(value float64, digits int) string {
	if !finite(value) {
		return "-"
	}
	return strconv.FormatFloat(value, 'f', digits, 64)
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
