package application

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	cycle "heatpump-cloud/internal/cycle/domain"
)

const timeLayout = time.RFC3339

func writeDesignSummary(path string, design cycle.DesignPoint) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "Heat Pump - Design Condition\n----------------------------------\n"); err != nil {
		return err
	}
	for _, field := range design.Fields() {
		if _, err := fmt.Fprintf(file, "%-15s: %s\n", field.Key, formatFloat(field.Value)); err != nil {
			return err
		}
	}
	return nil
}

func writeTimeseriesCSV(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := append([]string{"time"}, result.NumericHeader()...)
	header = append(header, "status", "error")
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range result.Rows {
		record := make([]string, 0, len(header))
		record = append(record, formatTime(row.Record.At))
		for _, v := range result.NumericValues(row) {
			record = append(record, formatFloat(v))
		}
		record = append(record, row.Status, row.Error)
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeSummaryJSON(path string, summary Summary) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// writeArchive zips the named files of outDir that exist.
func writeArchive(outDir, archiveName string, entries []string) (string, error) {
	archivePath := filepath.Join(outDir, archiveName)
	file, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	zipWriter := zip.NewWriter(file)
	for _, name := range entries {
		path := filepath.Join(outDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fw, err := zipWriter.Create(name)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		if _, err := fw.Write(data); err != nil {
			return "", err
		}
	}
	if err := zipWriter.Close(); err != nil {
		return "", err
	}
	return archivePath, nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

// formatFloat leaves missing values empty.
func formatFloat(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return ""
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
