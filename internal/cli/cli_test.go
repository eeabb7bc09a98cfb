package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

// fakeAPI — минимальный Serial API для тестов.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	status := ScheduleStatusResponse{
		Story: StoryResponse{ID: "s1", TotalEpisodes: 2, IsSerialized: true, NextReleaseAt: "2030-01-01T09:00:00Z"},
		Episodes: []EpisodeResponse{
			{Index: 0, Status: "PUBLISHED", PublishedAt: "2029-12-25T09:00:00Z"},
			{Index: 1, Status: "SCHEDULED", ScheduledFor: "2030-01-01T09:00:00Z", Job: &JobResponse{Key: "s1:1", Status: "PENDING", NextAttemptAt: "2030-01-01T09:00:00Z"}},
		},
		Published: 1,
		Total:     2,
	}

	writeData := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"data": v})
	}

	mux.HandleFunc("POST /api/v1/stories", func(w http.ResponseWriter, r *http.Request) {
		var req CreateStoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ID != "s1" || req.TotalEpisodes != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Schedule == nil || req.Schedule.ReleaseFrequency != "custom" || req.Schedule.IntervalSec != 36*3600 {
			t.Errorf("unexpected schedule: %+v", req.Schedule)
		}
		writeData(w, http.StatusCreated, status)
	})
	mux.HandleFunc("GET /api/v1/stories/{id}/schedule", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"story not found"}}`))
			return
		}
		writeData(w, http.StatusOK, status)
	})
	mux.HandleFunc("DELETE /api/v1/stories/{id}/schedule", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, CancelResponse{StoryID: "s1", Cancelled: 1, Keys: []string{"s1:1"}})
	})
	mux.HandleFunc("GET /api/v1/scheduler/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, HealthResponse{
			Counts:   map[string]int{"PENDING": 3, "FAILED_TERMINAL": 1},
			Terminal: []string{"s2:0"},
		})
	})
	mux.HandleFunc("POST /api/v1/jobs/{key}/retry", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, JobResponse{Key: r.PathValue("key"), Status: "PENDING"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type buildFn func(func() *Client, func() *Output) *cobra.Command

// run выполняет команду и возвращает stdout и stderr. Время выводится в UTC.
func run(t *testing.T, url string, jsonMode bool, build buildFn, args ...string) (string, string, error) {
	t.Helper()
	return runIn(t, url, jsonMode, time.UTC, build, args...)
}

func runIn(t *testing.T, url string, jsonMode bool, loc *time.Location, build buildFn, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	clientFn := func() *Client { return NewClient(url) }
	outputFn := func() *Output { return &Output{jsonMode: jsonMode, loc: loc, w: &stdout, errW: &stderr} }

	if args == nil {
		args = []string{}
	}
	cmd := build(clientFn, outputFn)
	cmd.SetArgs(args)
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	cmd.SilenceUsage = true
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestStoryRegister(t *testing.T) {
	server := fakeAPI(t)

	stdout, stderr, err := run(t, server.URL, false, NewStoryCmd,
		"register", "s1", "--episodes", "2", "--frequency", "custom", "--start", "2030-01-01T09:00", "--interval", "36h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "Story registered: s1") {
		t.Errorf("unexpected stderr: %s", stderr)
	}
	if !strings.Contains(stdout, "EPISODE") || !strings.Contains(stdout, "SCHEDULED") {
		t.Errorf("expected episode table, got:\n%s", stdout)
	}
}

func TestStoryRegister_IncompletePolicy(t *testing.T) {
	server := fakeAPI(t)

	_, _, err := run(t, server.URL, false, NewStoryCmd, "register", "s1", "--episodes", "2", "--frequency", "daily")
	if err == nil || !strings.Contains(err.Error(), "--start") {
		t.Errorf("expected missing --start error, got %v", err)
	}
}

func TestScheduleStatus_JSON(t *testing.T) {
	server := fakeAPI(t)

	stdout, _, err := run(t, server.URL, true, NewScheduleCmd, "status", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got ScheduleStatusResponse
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout)
	}
	if got.Published != 1 || len(got.Episodes) != 2 {
		t.Errorf("unexpected status: %+v", got)
	}
}

func TestScheduleStatus_NotFound(t *testing.T) {
	server := fakeAPI(t)

	_, _, err := run(t, server.URL, false, NewScheduleCmd, "status", "nope")
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("expected NOT_FOUND error, got %v", err)
	}
}

func TestScheduleCancel(t *testing.T) {
	server := fakeAPI(t)

	_, stderr, err := run(t, server.URL, false, NewScheduleCmd, "cancel", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "Schedule cancelled: s1 (1 jobs)") {
		t.Errorf("unexpected stderr: %s", stderr)
	}
}

func TestHealthAndJobRetry(t *testing.T) {
	server := fakeAPI(t)

	stdout, stderr, err := run(t, server.URL, false, NewHealthCmd)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(stdout, "FAILED_TERMINAL") || !strings.Contains(stderr, "Needs attention: s2:0") {
		t.Errorf("unexpected health output:\n%s\n%s", stdout, stderr)
	}

	_, stderr, err = run(t, server.URL, false, NewJobCmd, "retry", "s2:0")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !strings.Contains(stderr, "Job requeued: s2:0") {
		t.Errorf("unexpected stderr: %s", stderr)
	}
}

func TestScheduleStatus_TimesInOperatorZone(t *testing.T) {
	server := fakeAPI(t)
	msk := time.FixedZone("MSK", 3*3600)

	stdout, stderr, err := runIn(t, server.URL, false, msk, NewScheduleCmd, "status", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "next release 2030-01-01 12:00 MSK") {
		t.Errorf("unexpected stderr: %s", stderr)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, separator and 2 rows, got:\n%s", stdout)
	}
	published := strings.Fields(lines[2])
	// 0 PUBLISHED - 2029-12-25 12:00 MSK - - -
	if published[2] != "-" || published[3] != "2029-12-25" || published[5] != "MSK" || published[6] != "-" {
		t.Errorf("unexpected published row: %q", lines[2])
	}
	if !strings.Contains(lines[3], "2030-01-01 12:00 MSK") || strings.Contains(stdout, "T09:00:00Z") {
		t.Errorf("expected converted times, got:\n%s", stdout)
	}
}

func TestHealth_StatusOrder(t *testing.T) {
	server := fakeAPI(t)

	stdout, _, err := run(t, server.URL, false, NewHealthCmd)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	pending := strings.Index(stdout, "PENDING")
	terminal := strings.Index(stdout, "FAILED_TERMINAL")
	if pending < 0 || terminal < 0 || pending > terminal {
		t.Errorf("expected PENDING before FAILED_TERMINAL, got:\n%s", stdout)
	}
}

func TestOutput_Time(t *testing.T) {
	out := &Output{loc: time.UTC}

	tests := []struct {
		in, want string
	}{
		{"", "-"},
		{"2030-01-01T12:00:00+03:00", "2030-01-01 09:00 UTC"},
		{"not a time", "not a time"},
	}
	for _, tt := range tests {
		if got := out.Time(tt.in); got != tt.want {
			t.Errorf("Time(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOutput_Fail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "story not found"}, ExitNotFound},
		{"active schedule", &APIError{Status: http.StatusConflict, Code: "CONFLICT", Message: "schedule is active"}, ExitConflict},
		{"validation", &APIError{Status: http.StatusBadRequest, Code: "VALIDATION", Message: "bad start"}, ExitInvalid},
		{"server", &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: "boom"}, ExitFailure},
		{"policy flags", errors.New("--frequency and --start are required"), ExitInvalid},
		{"transport", errors.New("dial tcp: connection refused"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			out := &Output{loc: time.UTC, w: &bytes.Buffer{}, errW: &stderr}
			if got := out.Fail(tt.err); got != tt.want {
				t.Errorf("Fail() = %d, want %d", got, tt.want)
			}
			if !strings.HasPrefix(stderr.String(), "Error: ") {
				t.Errorf("unexpected stderr: %q", stderr.String())
			}
		})
	}
}

func TestOutput_FailJSON(t *testing.T) {
	server := fakeAPI(t)

	_, _, err := run(t, server.URL, true, NewScheduleCmd, "status", "nope")
	if err == nil {
		t.Fatal("expected error")
	}

	var stderr bytes.Buffer
	out := &Output{jsonMode: true, loc: time.UTC, w: &bytes.Buffer{}, errW: &stderr}
	if code := out.Fail(err); code != ExitNotFound {
		t.Errorf("exit code = %d, want %d", code, ExitNotFound)
	}

	var got errorResponse
	if err := json.Unmarshal(stderr.Bytes(), &got); err != nil {
		t.Fatalf("stderr is not JSON: %v\n%s", err, stderr.String())
	}
	if got.Error.Code != "NOT_FOUND" || got.Error.Message != "story not found" {
		t.Errorf("unexpected error body: %+v", got)
	}
}
