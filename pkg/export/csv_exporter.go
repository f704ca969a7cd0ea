package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Table is a header row plus records rendered in header order.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Append adds a record; it must carry one value per column.
func (t *Table) Append(values ...string) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("row has %d values, want %d", len(values), len(t.Columns))
	}
	t.Rows = append(t.Rows, values)
	return nil
}

// CSVExporter renders tables as RFC 4180 CSV.
type CSVExporter struct{}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render produces CSV encoded bytes for the table.
func (e *CSVExporter) Render(table Table) ([]byte, error) {
	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("csv requires at least one column")
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(table.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := writer.WriteAll(table.Rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}
