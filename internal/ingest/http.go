package ingest

import (
	"io"
	"net/http"

	"axion-alerts/internal/domain"
)

// SnapshotSink receives decoded metric snapshots from ingest interfaces.
// Params: decoded snapshot envelope.
// Returns: error when the snapshot cannot be accepted now.
type SnapshotSink interface {
	Observe(envelope domain.SnapshotEnvelope) error
}

// HTTPHandler decodes JSON snapshots and forwards them to sink.
// Params: sink receives validated snapshots, max body limits payload size.
// Returns: HTTP handler for the values endpoint.
type HTTPHandler struct {
	sink        SnapshotSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink SnapshotSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one snapshot or snapshot batch request.
// Params: HTTP request/response writer pair.
// Returns: 202 when buffered, 400 on invalid payload, 503 when the sink refuses.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
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

	envelopes, err := decodeSnapshotPayload(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := observeAll(h.sink, envelopes); err != nil {
		http.Error(writer, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
