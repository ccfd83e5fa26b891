package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rpattn/dashdag/internal/ctxlog"
	"github.com/rpattn/dashdag/internal/middleware"
	"github.com/rpattn/dashdag/internal/module"
	"github.com/rpattn/dashdag/internal/transformations"
)

// Handler serves POST .../{name}/exports/{export}/{format}.
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

type exportPayload struct {
	Parameters map[string]any `json:"parameters"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.PathValue("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var payload exportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	req := Request{
		Graph:      r.PathValue("name"),
		Export:     r.PathValue("export"),
		Parameters: payload.Parameters,
		Format:     format,
	}
	var opts []transformations.ExecOption
	if loader := middleware.StateLoaderFromContext(r.Context()); loader != nil {
		opts = append(opts, transformations.WithStore(loader))
	}

	var buf bytes.Buffer
	if err := h.service.Write(r.Context(), &buf, req, opts...); err != nil {
		status := StatusFor(err)
		if status == http.StatusInternalServerError {
			ctxlog.FromContext(r.Context()).Error("Export failed.", "graph", req.Graph, "export", req.Export, "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", req.FileName()))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// StatusFor maps an execution error to an HTTP status code.
func StatusFor(err error) int {
	var sentinel *transformations.ErrorSentinel
	switch {
	case errors.Is(err, module.ErrUnknownGraph), errors.Is(err, transformations.ErrUnknownExport):
		return http.StatusNotFound
	case errors.As(err, &sentinel), errors.Is(err, transformations.ErrCycle):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
