// Package testutil provides common test fakes and helpers for EyeLine tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/EyeLine/internal/genai"
	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/BTreeMap/EyeLine/internal/store"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// FakeCompleter is an inference gateway stand-in. It records every request.
// With Deadline set it behaves like the real gateway under a hard deadline:
// a Delay longer than Deadline yields genai.ErrTimeout.
type FakeCompleter struct {
	mu       sync.Mutex
	Result   models.TriageResult
	Err      error
	Delay    time.Duration
	Deadline time.Duration
	requests []genai.Request
}

// Complete implements the composer's gateway contract.
func (f *FakeCompleter) Complete(ctx context.Context, req genai.Request) (models.TriageResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	res, err, delay, deadline := f.Result, f.Err, f.Delay, f.Deadline
	f.mu.Unlock()

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if deadline > 0 && ctx.Err() == context.DeadlineExceeded {
				return models.TriageResult{}, fmt.Errorf("%w after %s", genai.ErrTimeout, deadline)
			}
			return models.TriageResult{}, ctx.Err()
		}
	}
	return res, err
}

// Requests returns a copy of the recorded requests.
func (f *FakeCompleter) Requests() []genai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]genai.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls returns how many times Complete ran.
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// NewTempSQLiteStore opens an SQLite store in a per-test directory and closes it on cleanup.
func NewTempSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "eyeline.db")
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedAppointments creates n appointments for userID, oldest first.
func SeedAppointments(t TB, st store.Store, userID string, n int) []models.Appointment {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetOrCreateSession(ctx, userID, models.LanguageES); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	out := make([]models.Appointment, 0, n)
	for i := 0; i < n; i++ {
		a, err := st.AddAppointment(ctx, models.Appointment{
			UserID:            userID,
			FullName:          fmt.Sprintf("Paciente %d", i+1),
			PreferredDateTime: fmt.Sprintf("2025-11-%02d 10:00", i+1),
			Note:              "control",
		})
		if err != nil {
			t.Fatalf("failed to add appointment: %v", err)
		}
		out = append(out, a)
	}
	return out
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
