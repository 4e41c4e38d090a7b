package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestLogLevels(t *testing.T) {
	cases := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusConflict, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

		h := WithRequestLog("loan", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("body"))
		}))
		req := httptest.NewRequest(http.MethodPost, "/returns", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
		slog.SetDefault(prev)

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("decode log line %q: %v", buf.String(), err)
		}
		if line["level"] != tc.level || line["msg"] != "http_request" {
			t.Fatalf("status %d logged as %v/%v", tc.status, line["level"], line["msg"])
		}
		if line["service"] != "loan" || line["path"] != "/returns" || line["bytes"] != float64(4) {
			t.Fatalf("unexpected fields: %v", line)
		}
	}
}

func TestRequestLogCarriesRequestIDOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	h := WithRequestID(WithRequestLog("loan", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	req := httptest.NewRequest(http.MethodDelete, "/loans/cancel/x", nil)
	req.Header.Set("X-Request-Id", "req-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if n := strings.Count(buf.String(), `"request_id"`); n != 1 {
		t.Fatalf("request_id written %d times: %s", n, buf.String())
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != "req-7" {
		t.Fatalf("request_id = %v", line["request_id"])
	}
}
