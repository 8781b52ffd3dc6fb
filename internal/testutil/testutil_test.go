package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/EyeLine/internal/genai"
	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/BTreeMap/EyeLine/internal/store"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Error("Expected test to pass but it failed")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{name: "matching status", jsonBody: `{"status":"ok","result":1}`, expectedStatus: "ok"},
		{name: "different status", jsonBody: `{"status":"error"}`, expectedStatus: "ok", shouldFail: true},
		{name: "missing status", jsonBody: `{"result":1}`, expectedStatus: "ok", shouldFail: true},
		{name: "invalid json", jsonBody: `{`, expectedStatus: "ok", shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.WriteString(tt.jsonBody)
			mockT := &mockTestingT{}
			AssertJSONResponse(mockT, rr, tt.expectedStatus)
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed=%v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/x", map[string]string{"a": "b"})
	if req.Method != http.MethodPost || req.URL.Path != "/x" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL)
	}
	if req.ContentLength == 0 {
		t.Error("expected a JSON body")
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/y", nil)
	if empty.ContentLength != 0 {
		t.Errorf("expected empty body, got length %d", empty.ContentLength)
	}
}

func TestMustJSONRoundTrip(t *testing.T) {
	data := MustMarshalJSON(t, map[string]interface{}{"key": "value", "number": 123})
	var target map[string]interface{}
	MustUnmarshalJSON(t, data, &target)
	if target["key"] != "value" || target["number"].(float64) != 123 {
		t.Errorf("unexpected decoded value %v", target)
	}
}

func TestFakeCompleter(t *testing.T) {
	want := models.TriageResult{Language: models.LanguageES, Urgency: models.UrgencyPriority, ResponseText: "ok"}
	f := &FakeCompleter{Result: want}
	got, err := f.Complete(context.Background(), genai.Request{Language: models.LanguageES})
	if err != nil || got != want {
		t.Fatalf("got %+v, %v", got, err)
	}
	if f.Calls() != 1 || f.Requests()[0].Language != models.LanguageES {
		t.Errorf("request not recorded: %+v", f.Requests())
	}
}

func TestFakeCompleterDeadline(t *testing.T) {
	f := &FakeCompleter{Delay: time.Second, Deadline: 10 * time.Millisecond}
	_, err := f.Complete(context.Background(), genai.Request{})
	if !errors.Is(err, genai.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSeedAppointments(t *testing.T) {
	st := store.NewInMemoryStore()
	seeded := SeedAppointments(t, st, "+5215550001", 3)
	if len(seeded) != 3 {
		t.Fatalf("expected 3 appointments, got %d", len(seeded))
	}
	listed, err := st.ListAppointments(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListAppointments failed: %v", err)
	}
	if len(listed) != 3 || listed[0].ID != seeded[2].ID {
		t.Errorf("expected newest first, got %+v", listed)
	}
}

func TestNewTempSQLiteStore(t *testing.T) {
	st := NewTempSQLiteStore(t)
	sess, err := st.GetOrCreateSession(context.Background(), "+1", models.LanguageEN)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if sess.Step != models.StepStart || sess.Language != models.LanguageEN {
		t.Errorf("unexpected new session %+v", sess)
	}
}

// mockTestingT implements TB for testing our test helpers.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
