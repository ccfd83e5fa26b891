package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/dashdag/internal/transformations"
)

// valueColumn holds elements of a list that are not records.
const valueColumn = "value"

// Table is an export value laid out as rows and columns.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Tabulate lays out an export value. A list of records gets one column per
// field, sorted by name; other list elements go to a "value" column. A
// single record becomes a one-row table. Error sentinels are returned as
// errors.
func Tabulate(value any) (Table, error) {
	if sentinel, ok := value.(*transformations.ErrorSentinel); ok {
		return Table{}, sentinel
	}

	var items []any
	switch v := value.(type) {
	case nil:
	case []any:
		items = v
	case []map[string]any:
		items = make([]any, len(v))
		for i, record := range v {
			items[i] = record
		}
	case map[string]any:
		items = []any{v}
	default:
		items = []any{v}
	}

	seen := make(map[string]struct{})
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			seen[valueColumn] = struct{}{}
			continue
		}
		for key := range record {
			seen[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for key := range seen {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	rows := make([][]any, len(items))
	for i, item := range items {
		row := make([]any, len(columns))
		record, ok := item.(map[string]any)
		for j, column := range columns {
			switch {
			case ok:
				row[j] = record[column]
			case column == valueColumn:
				row[j] = item
			}
		}
		rows[i] = row
	}
	return Table{Columns: columns, Rows: rows}, nil
}

// WriteCSV writes t with a header row.
func WriteCSV(w io.Writer, t Table) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		for j, value := range row {
			record[j] = formatValue(value)
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// WriteXLSX writes t as a workbook with a single sheet.
func WriteXLSX(w io.Writer, sheet string, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet = sheetName(sheet)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	header := make([]any, len(t.Columns))
	for i, column := range t.Columns {
		header[i] = column
	}
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	for i, row := range t.Rows {
		cells := make([]any, len(row))
		for j, value := range row {
			cells[j] = cellValue(value)
		}
		if err := setRow(f, sheet, i+2, cells); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("row %d: %w", row, err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

// cellValue keeps scalars typed so spreadsheets can sort and sum them.
func cellValue(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time:
		return v
	default:
		return formatValue(v)
	}
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sheetName fits name to the workbook's limits: at most 31 characters and
// none of []:*?/\.
func sheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '-'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return "export"
	}
	if runes := []rune(name); len(runes) > 31 {
		name = string(runes[:31])
	}
	return name
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}
