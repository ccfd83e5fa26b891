package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Handler exposes state ingestion as POST .../state/{reducer}. The form
// carries the file, a comma-separated dimensions list and an optional
// zero-based headerRow. With ?preview=true nothing is stored.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a POST endpoint.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	var dimensions []string
	for _, dim := range strings.Split(r.FormValue("dimensions"), ",") {
		if dim = strings.TrimSpace(dim); dim != "" {
			dimensions = append(dimensions, dim)
		}
	}

	var headerRow *int
	if raw := strings.TrimSpace(r.FormValue("headerRow")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid headerRow: %v", err), http.StatusBadRequest)
			return
		}
		headerRow = &idx
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	req := Request{
		Reducer:        r.PathValue("reducer"),
		Dimensions:     dimensions,
		FileName:       header.Filename,
		HeaderRowIndex: headerRow,
		Data:           bytes.NewReader(data),
	}

	if r.URL.Query().Get("preview") == "true" {
		result, err := h.service.Preview(req, 0)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	summary, err := h.service.Ingest(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func statusFor(err error) int {
	if errors.Is(err, ErrUnsupportedFormat) {
		return http.StatusUnsupportedMediaType
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
