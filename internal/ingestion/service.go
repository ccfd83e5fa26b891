package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/dashdag/internal/ctxlog"
	"github.com/rpattn/dashdag/internal/kvstore"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrUnknownDimension is returned when a dimension names no column.
	ErrUnknownDimension = errors.New("dimension is not a column")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	// RFC3339 also accepts fractional seconds when parsing.
	timeLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"}

	headerReplacer = strings.NewReplacer(" ", "_", ".", "_", "-", "_")
)

// ColumnType is the value type detected for a column.
type ColumnType string

const (
	ColumnString    ColumnType = "string"
	ColumnInteger   ColumnType = "integer"
	ColumnFloat     ColumnType = "float"
	ColumnBoolean   ColumnType = "boolean"
	ColumnTimestamp ColumnType = "timestamp"
)

// Service loads tabular reducer state into a store. Every row becomes one
// record stored under the key built from the reducer and the row's
// dimension columns.
type Service struct {
	store    kvstore.Writer
	keyMaker kvstore.KeyMaker
}

// NewService creates an ingestion service writing to store. A nil keyMaker
// uses kvstore.DefaultKeyMaker.
func NewService(store kvstore.Writer, keyMaker kvstore.KeyMaker) *Service {
	if keyMaker == nil {
		keyMaker = kvstore.DefaultKeyMaker{}
	}
	return &Service{store: store, keyMaker: keyMaker}
}

// Request describes the ingestion input.
type Request struct {
	Reducer        string
	Dimensions     []string
	FileName       string
	HeaderRowIndex *int
	Data           io.Reader
}

// Column describes one detected column.
type Column struct {
	Name     string     `json:"name"`
	Original string     `json:"original"`
	Type     ColumnType `json:"type"`
}

// RowError records a row that could not be stored.
type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	Reducer     string     `json:"reducer"`
	TotalRows   int        `json:"totalRows"`
	StoredRows  int        `json:"storedRows"`
	InvalidRows int        `json:"invalidRows"`
	Columns     []Column   `json:"columns"`
	Errors      []RowError `json:"errors"`
}

// PreviewRow shows the key and record a row would be stored as.
type PreviewRow struct {
	RowNumber int            `json:"rowNumber"`
	Key       string         `json:"key,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// HeaderCandidate represents a potential header row option.
type HeaderCandidate struct {
	Index   int      `json:"index"`
	Values  []string `json:"values"`
	Current bool     `json:"current"`
}

// PreviewResult returns preview metadata back to clients.
type PreviewResult struct {
	TotalRows        int               `json:"totalRows"`
	Columns          []Column          `json:"columns"`
	Rows             []PreviewRow      `json:"rows"`
	HeaderCandidates []HeaderCandidate `json:"headerCandidates"`
}

type tableData struct {
	headers        []string
	rawHeaders     []string
	rows           [][]string
	headerRowIndex int
}

// Ingest reads the uploaded file and stores every valid row.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{Reducer: req.Reducer, Columns: []Column{}, Errors: []RowError{}}

	table, _, columns, err := s.prepare(req)
	if err != nil {
		return summary, err
	}
	summary.Columns = columns
	summary.TotalRows = len(table.rows)

	logger := ctxlog.FromContext(ctx).With("reducer", req.Reducer, "file", req.FileName)
	for i, row := range table.rows {
		rowNumber := table.headerRowIndex + i + 2
		key, record, err := s.buildRow(req, columns, row)
		if err == nil {
			err = s.store.Set(ctx, key, record)
		}
		if err != nil {
			summary.InvalidRows++
			summary.Errors = append(summary.Errors, RowError{RowNumber: rowNumber, Message: err.Error()})
			logger.Debug("Skipped state row.", "row", rowNumber, "error", err)
			continue
		}
		summary.StoredRows++
	}

	logger.Info("Ingested reducer state.",
		slog.Int("stored", summary.StoredRows),
		slog.Int("invalid", summary.InvalidRows),
	)
	return summary, nil
}

// Preview parses the file and reports the first limit rows as they would
// be stored, without writing anything.
func (s *Service) Preview(req Request, limit int) (PreviewResult, error) {
	if limit <= 0 {
		limit = 20
	}
	result := PreviewResult{Columns: []Column{}, Rows: []PreviewRow{}, HeaderCandidates: []HeaderCandidate{}}

	table, records, columns, err := s.prepare(req)
	if err != nil {
		return result, err
	}
	result.Columns = columns
	result.TotalRows = len(table.rows)
	result.HeaderCandidates = headerCandidates(records, table.headerRowIndex, 10)

	for i, row := range table.rows {
		if i >= limit {
			break
		}
		preview := PreviewRow{RowNumber: table.headerRowIndex + i + 2}
		key, record, err := s.buildRow(req, columns, row)
		if err != nil {
			preview.Error = err.Error()
		} else {
			preview.Key = key
			preview.Record = record
		}
		result.Rows = append(result.Rows, preview)
	}
	return result, nil
}

func (s *Service) prepare(req Request) (tableData, [][]string, []Column, error) {
	if strings.TrimSpace(req.Reducer) == "" {
		return tableData{}, nil, nil, errors.New("reducer is required")
	}
	if len(req.Dimensions) == 0 {
		return tableData{}, nil, nil, errors.New("at least one dimension column is required")
	}
	if req.Data == nil {
		return tableData{}, nil, nil, errors.New("no data provided")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return tableData{}, nil, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	records, err := readRows(req.FileName, payload)
	if err != nil {
		return tableData{}, nil, nil, err
	}
	table, err := splitHeader(records, req.HeaderRowIndex)
	if err != nil {
		return tableData{}, nil, nil, err
	}

	columns := make([]Column, len(table.headers))
	for i, name := range table.headers {
		columns[i] = Column{Name: name, Original: table.rawHeaders[i], Type: profileColumn(i, table.rows)}
	}
	for _, dim := range req.Dimensions {
		if columnIndex(columns, dim) < 0 {
			return tableData{}, nil, nil, fmt.Errorf("%w: %s", ErrUnknownDimension, dim)
		}
	}
	return table, records, columns, nil
}

// buildRow coerces a row into a record and derives its store key. Empty
// cells are left out of the record; empty dimension cells fail the row.
func (s *Service) buildRow(req Request, columns []Column, row []string) (string, map[string]any, error) {
	record := make(map[string]any, len(columns))
	for i, column := range columns {
		raw := strings.TrimSpace(row[i])
		if raw == "" {
			continue
		}
		value, err := coerceValue(column.Type, raw)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", column.Name, err)
		}
		record[column.Name] = value
	}

	dims := make(map[string]any, len(req.Dimensions))
	for _, dim := range req.Dimensions {
		value, ok := record[dim]
		if !ok {
			return "", nil, fmt.Errorf("dimension %s is empty", dim)
		}
		dims[dim] = value
	}
	return s.keyMaker.MakeKey(req.Reducer, dims), record, nil
}

func columnIndex(columns []Column, name string) int {
	for i, column := range columns {
		if column.Name == name {
			return i
		}
	}
	return -1
}

// readRows returns every row of the first sheet (xlsx) or of the whole file
// (csv) as raw cells.
func readRows(fileName string, payload []byte) ([][]string, error) {
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".csv":
		r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(payload, byteOrderMark)))
		r.TrimLeadingSpace = true
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		return rows, nil
	case ".xlsx":
		f, err := excelize.OpenReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open xlsx: %w", err)
		}
		defer func() { _ = f.Close() }()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("excel file has no sheets")
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// splitHeader picks the header row (the requested one, else the first
// non-blank row) and returns the non-blank rows below it padded or cut to
// the header width.
func splitHeader(records [][]string, requested *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	at := -1
	if requested != nil {
		at = *requested
		if at < 0 || at >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", at)
		}
		if blank(records[at]) {
			return tableData{}, fmt.Errorf("selected header row %d is empty", at+1)
		}
	} else {
		for i, row := range records {
			if !blank(row) {
				at = i
				break
			}
		}
		if at < 0 {
			return tableData{}, errors.New("header row could not be detected")
		}
	}

	table := tableData{
		rawHeaders:     trimCells(records[at]),
		headerRowIndex: at,
	}
	table.headers = columnNames(table.rawHeaders)
	width := len(table.headers)
	for _, row := range records[at+1:] {
		if blank(row) {
			continue
		}
		cells := make([]string, width)
		copy(cells, row)
		table.rows = append(table.rows, cells)
	}
	return table, nil
}

// headerCandidates lists up to limit non-blank rows a client may pick as
// the header instead of current.
func headerCandidates(records [][]string, current, limit int) []HeaderCandidate {
	var out []HeaderCandidate
	for i := 0; i < len(records) && len(out) < limit; i++ {
		if blank(records[i]) {
			continue
		}
		out = append(out, HeaderCandidate{Index: i, Values: trimCells(records[i]), Current: i == current})
	}
	return out
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func trimCells(row []string) []string {
	out := make([]string, len(row))
	for i, cell := range row {
		out[i] = strings.TrimSpace(cell)
	}
	return out
}

// columnNames makes headers usable as dotted path components: separators
// become underscores, blanks get positional names and repeats a numeric
// suffix.
func columnNames(raw []string) []string {
	names := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, header := range raw {
		name := strings.Trim(headerReplacer.Replace(header), "_")
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name += "_" + strconv.Itoa(n)
		}
		names[i] = name
	}
	return names
}

// columnParsers are tried in order; a column takes the first type every
// non-empty cell parses as. Boolean accepts words only, so 0/1 columns
// profile as integers.
var columnParsers = []struct {
	typ   ColumnType
	parse func(string) (any, error)
}{
	{ColumnBoolean, parseBool},
	{ColumnInteger, func(raw string) (any, error) { return strconv.ParseInt(raw, 10, 64) }},
	{ColumnFloat, func(raw string) (any, error) { return strconv.ParseFloat(raw, 64) }},
	{ColumnTimestamp, parseTimestamp},
}

func profileColumn(col int, rows [][]string) ColumnType {
	candidates := columnParsers
	for _, row := range rows {
		raw := strings.TrimSpace(row[col])
		if raw == "" {
			continue
		}
		kept := candidates[:0:0]
		for _, c := range candidates {
			if _, err := c.parse(raw); err == nil {
				kept = append(kept, c)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return ColumnString
		}
	}
	if len(candidates) == len(columnParsers) {
		return ColumnString
	}
	return candidates[0].typ
}

func coerceValue(columnType ColumnType, raw string) (any, error) {
	for _, c := range columnParsers {
		if c.typ != columnType {
			continue
		}
		value, err := c.parse(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to %s", raw, columnType)
		}
		return value, nil
	}
	return raw, nil
}

func parseBool(raw string) (any, error) {
	switch strings.ToLower(raw) {
	case "true", "yes":
		return true, nil
	case "false", "no":
		return false, nil
	}
	return nil, errors.New("not a boolean word")
}

// parseTimestamp normalizes to an RFC3339 UTC string.
func parseTimestamp(raw string) (any, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, errors.New("unrecognized timestamp format")
}
