package ingest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"axion-alerts/internal/domain"
)

type httpTestSink struct {
	calls     int
	envelopes []domain.SnapshotEnvelope
	err       error
}

func (s *httpTestSink) Observe(envelope domain.SnapshotEnvelope) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func TestHTTPHandlerAcceptsSnapshot(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/values", strings.NewReader(`{"AAPL":{"price":205}}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.calls != 1 || sink.envelopes[0].Values["AAPL"]["price"] != 205 {
		t.Fatalf("unexpected sink state: %+v", sink)
	}
}

func TestHTTPHandlerAcceptsBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/values", strings.NewReader(`[{"AAPL":{"price":205}},{"MSFT":{"price":410}}]`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.calls != 2 {
		t.Fatalf("expected 2 sink calls, got %d", sink.calls)
	}
}

func TestHTTPHandlerRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	for _, body := range []string{"[]", `{"AAPL":{"price":"high"}}`, "not json"} {
		request := httptest.NewRequest(http.MethodPost, "/values", strings.NewReader(body))
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, request)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected status %d, got %d", body, http.StatusBadRequest, response.Code)
		}
	}
	if sink.calls != 0 {
		t.Fatalf("invalid payloads must not reach the sink")
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 8)
	request := httptest.NewRequest(http.MethodPost, "/values", strings.NewReader(`{"AAPL":{"price":205}}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestHTTPHandlerRejectsWrongMethod(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 1<<20)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/values", nil))
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableWhenSinkRefuses(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("snapshot backlog full")}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/values", strings.NewReader(`{"AAPL":{"price":205}}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
