// Package export renders graph export values as CSV or XLSX files.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rpattn/dashdag/internal/module"
	"github.com/rpattn/dashdag/internal/transformations"
)

// Format is an output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType is the MIME type of files in format f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Request identifies one export of one graph.
type Request struct {
	Graph      string
	Export     string
	Parameters map[string]any
	Format     Format
}

// FileName is the suggested download name for the request.
func (r Request) FileName() string {
	return fmt.Sprintf("%s-%s.%s", sanitizeFileComponent(r.Graph), sanitizeFileComponent(r.Export), r.Format)
}

// Service executes graph exports and writes them as files.
type Service struct {
	graphs *module.Namespace
}

func NewService(graphs *module.Namespace) *Service {
	return &Service{graphs: graphs}
}

// Write executes the requested export in public mode and writes it to w.
// Nothing is written when execution fails.
func (s *Service) Write(ctx context.Context, w io.Writer, req Request, opts ...transformations.ExecOption) error {
	opts = append(opts, transformations.WithExports(req.Export), transformations.WithMode(transformations.ModePublic))
	results, err := s.graphs.Call(ctx, req.Graph, req.Parameters, opts...)
	if err != nil {
		return err
	}
	table, err := Tabulate(results[req.Export])
	if err != nil {
		return fmt.Errorf("export %s: %w", req.Export, err)
	}

	switch req.Format {
	case FormatCSV:
		return WriteCSV(w, table)
	case FormatXLSX:
		return WriteXLSX(w, req.Export, table)
	default:
		return fmt.Errorf("unsupported export format %q", req.Format)
	}
}
