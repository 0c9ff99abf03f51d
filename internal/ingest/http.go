package ingest

import (
	"io"
	"net/http"

	"dispatch/internal/domain"
	"dispatch/internal/validate"
)

// AlertSink receives decoded alerts from ingest interfaces.
// Params: decoded enriched alert.
// Returns: processing error.
type AlertSink interface {
	Push(alert domain.EnrichedAlert) error
}

// HTTPHandler decodes JSON alerts and forwards them to sink.
// Params: sink receives validated alerts, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        AlertSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink AlertSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming alert request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/validate/push result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	alert, err := domain.DecodeAlert(body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := validate.AsError(validate.Validate(&alert)); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte(err.Error()))
		return
	}

	if err := h.sink.Push(alert); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
