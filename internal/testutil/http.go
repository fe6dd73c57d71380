package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// HTTPTestHelper runs requests against a handler in-process. Headers are
// sent with every request.
type HTTPTestHelper struct {
	t       *testing.T
	Handler http.Handler
	Headers map[string]string
}

// NewHTTPTestHelper creates a new HTTP test helper
func NewHTTPTestHelper(t *testing.T, handler http.Handler) *HTTPTestHelper {
	return &HTTPTestHelper{t: t, Handler: handler}
}

// MakeRequest sends body, JSON encoded when not nil, and returns the recorded response.
func (h *HTTPTestHelper) MakeRequest(method, path string, body any) *httptest.ResponseRecorder {
	return h.MakeRequestWithHeaders(method, path, body, nil)
}

// MakeRequestWithHeaders is MakeRequest with extra request headers.
func (h *HTTPTestHelper) MakeRequestWithHeaders(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()

	var reqBody []byte
	if body != nil {
		switch b := body.(type) {
		case string:
			reqBody = []byte(b)
		default:
			var err error
			if reqBody, err = json.Marshal(body); err != nil {
				h.t.Fatalf("failed to encode request body: %v", err)
			}
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rr := httptest.NewRecorder()
	h.Handler.ServeHTTP(rr, req)
	return rr
}

// DecodeJSON decodes a recorded response body into v.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}
