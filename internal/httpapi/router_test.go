package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sudwebd/3d-to-svg/internal/adapters/storage/localfs"
	"github.com/sudwebd/3d-to-svg/internal/config"
	"github.com/sudwebd/3d-to-svg/internal/converter"
	"github.com/sudwebd/3d-to-svg/internal/dispatch"
	"github.com/sudwebd/3d-to-svg/internal/events"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/metrics"
	"github.com/sudwebd/3d-to-svg/internal/pkg/logger"
)

const cubeOBJ = "v 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\nf 1 2 3 4\n"

type testServer struct {
	handler http.Handler
	hub     *events.Hub
	store   *jobs.MemoryStore
	storage *localfs.LocalFS
	root    string
}

// writeTool writes a POSIX shell script standing in for the converter.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stubs need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "poly")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestServer(t *testing.T, tool string, timeout time.Duration) *testServer {
	t.Helper()
	root := t.TempDir()
	log := logger.NewNop()

	store := jobs.NewMemoryStore(time.Hour)
	storage := localfs.New(filepath.Join(root, "storage"))
	conv := converter.New(config.ConverterConfig{Bin: tool, Timeout: timeout})
	hub := events.NewHub(log, []string{"*"})
	t.Cleanup(hub.Close)
	collector := metrics.NewCollector()

	d := dispatch.New(dispatch.Deps{
		Store:         store,
		Storage:       storage,
		Converter:     conv,
		Notifier:      hub,
		Metrics:       collector,
		WorkDir:       filepath.Join(root, "work"),
		CleanupLocal:  true,
		MaxConcurrent: 2,
		Log:           log,
	})

	return &testServer{
		handler: NewRouter(Deps{
			Store:          store,
			SP:             storage,
			Dispatcher:     d,
			Events:         hub,
			Tool:           conv,
			Metrics:        collector,
			MaxUploadBytes: 1 << 20,
			Log:            log,
		}),
		hub:     hub,
		store:   store,
		storage: storage,
		root:    root,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	} else {
		_ = mw.WriteField("note", "no file here")
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	return req
}

func (s *testServer) upload(t *testing.T, filename, content string) *jobs.Job {
	t.Helper()
	rec := s.do(uploadRequest(t, "sampleFile", filename, content))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if rec.Header().Get("X-Job-ID") != job.ID {
		t.Errorf("X-Job-ID = %q, want %q", rec.Header().Get("X-Job-ID"), job.ID)
	}
	return &job
}

func resultRequest(jobID string, fields map[string]string) *http.Request {
	form := url.Values{}
	if jobID != "" {
		form.Set("jobId", jobID)
	}
	for k, v := range fields {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/result", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", rec.Body.String(), err)
	}
	return env.Error.Code, env.Error.Details
}

func TestUploadStoresIdenticalBytes(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	job := s.upload(t, "cube.obj", cubeOBJ)

	if job.Status != jobs.StatusUploaded || job.Basename != "cube" || job.SizeBytes != int64(len(cubeOBJ)) {
		t.Errorf("unexpected job: %+v", job)
	}

	rc, _, _, err := s.storage.GetObject(context.Background(), job.InputKey)
	if err != nil {
		t.Fatalf("stored object: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != cubeOBJ {
		t.Errorf("stored bytes differ: %q", got)
	}
}

func TestUploadWithoutFile(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	rec := s.do(uploadRequest(t, "", "", ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code, details := errorCode(t, rec); code != "VALIDATION_ERROR" || details["field"] != "sampleFile" {
		t.Errorf("error = %s %v", code, details)
	}
	if s.store.Len() != 0 {
		t.Errorf("jobs created: %d", s.store.Len())
	}
	if entries, _ := os.ReadDir(filepath.Join(s.root, "storage")); len(entries) != 0 {
		t.Errorf("storage written: %v", entries)
	}
}

func TestUploadWrongFieldName(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	rec := s.do(uploadRequest(t, "file", "cube.obj", cubeOBJ))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	rec := s.do(uploadRequest(t, "sampleFile", "big.obj", strings.Repeat("v 0 0 0\n", 200_000)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if code, _ := errorCode(t, rec); code != "PAYLOAD_TOO_LARGE" {
		t.Errorf("code = %s", code)
	}
}

func TestUploadHTMLPage(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	req := uploadRequest(t, "sampleFile", "cube.obj", cubeOBJ)
	req.Header.Set("Accept", "text/html")
	rec := s.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	jobID := rec.Header().Get("X-Job-ID")
	body := rec.Body.String()
	if !strings.Contains(body, `name="jobId" value="`+jobID+`"`) {
		t.Errorf("page does not carry the job id:\n%s", body)
	}
	for _, field := range []string{"viewx", "viewy", "viewz", "height", "width", "rotationx", "rotationy", "rotationz"} {
		if !strings.Contains(body, `name="`+field+`"`) {
			t.Errorf("page missing field %s", field)
		}
	}
}

func TestResultReturnsToolOutput(t *testing.T) {
	const svg = `<svg xmlns="http://www.w3.org/2000/svg"><path d="M0 0L1 1"/></svg>`
	tool := writeTool(t, `printf '%s' '`+svg+`' > "${1%.obj}.svg"`)
	s := newTestServer(t, tool, 5*time.Second)

	job := s.upload(t, "My Cube.obj", cubeOBJ)
	rec := s.do(resultRequest(job.ID, map[string]string{"rotationx": "10"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != svg {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `inline; filename="My_Cube.svg"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	// The stored output stays available.
	out := s.do(httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/output", nil))
	if out.Code != http.StatusOK || out.Body.String() != svg {
		t.Errorf("GET output = %d %q", out.Code, out.Body.String())
	}

	got := s.do(httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))
	var stored jobs.Job
	_ = json.Unmarshal(got.Body.Bytes(), &stored)
	if stored.Status != jobs.StatusDone || stored.Params.RotationX != 10 {
		t.Errorf("job after result: %+v", stored)
	}
}

func TestResultMissingOutputIsNotFound(t *testing.T) {
	tool := writeTool(t, `echo "Could not open file" >&2; exit 0`)
	s := newTestServer(t, tool, 5*time.Second)
	job := s.upload(t, "cube.obj", cubeOBJ)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- s.do(resultRequest(job.ID, nil)) }()

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("result request hung")
	}

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code, _ := errorCode(t, rec); code != "OUTPUT_NOT_FOUND" {
		t.Errorf("code = %s", code)
	}

	stored, _ := s.store.Get(context.Background(), job.ID)
	if stored.Status != jobs.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestResultServesRequestedJob(t *testing.T) {
	tool := writeTool(t, `cp "$1" "${1%.obj}.svg"`)
	s := newTestServer(t, tool, 5*time.Second)

	first := s.upload(t, "first.obj", "first model")
	s.upload(t, "second.obj", "second model")

	rec := s.do(resultRequest(first.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "first model" {
		t.Errorf("served %q, want the first job's output", rec.Body.String())
	}
}

func TestResultArgumentOrder(t *testing.T) {
	argsLog := filepath.Join(t.TempDir(), "args.txt")
	tool := writeTool(t, `echo "$@" > '`+argsLog+`'
echo '<svg/>' > "${1%.obj}.svg"`)
	s := newTestServer(t, tool, 5*time.Second)
	job := s.upload(t, "cube.obj", cubeOBJ)

	rec := s.do(resultRequest(job.ID, map[string]string{
		"rotationx": "10", "rotationy": "20.5", "rotationz": "-30",
		"viewx": "7", "height": "50",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	b, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(b)); got != "model.obj 10 20.5 -30" {
		t.Errorf("argv = %q, want %q", got, "model.obj 10 20.5 -30")
	}
}

func TestResultTimeout(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exec sleep 10"), 200*time.Millisecond)
	job := s.upload(t, "cube.obj", cubeOBJ)

	start := time.Now()
	rec := s.do(resultRequest(job.ID, nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (body %s)", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("request took %v", elapsed)
	}
	stored, _ := s.store.Get(context.Background(), job.ID)
	if stored.Status != jobs.StatusTimedOut {
		t.Errorf("status = %s, want timed_out", stored.Status)
	}
}

func TestResultToolFailure(t *testing.T) {
	s := newTestServer(t, writeTool(t, `echo "segfault" >&2; exit 139`), 5*time.Second)
	job := s.upload(t, "cube.obj", cubeOBJ)

	rec := s.do(resultRequest(job.ID, nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "segfault") {
		t.Error("tool stderr leaked to the client")
	}
}

func TestResultValidation(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)
	job := s.upload(t, "cube.obj", cubeOBJ)

	tests := []struct {
		name      string
		jobID     string
		fields    map[string]string
		wantCode  int
		wantField string
	}{
		{"malformed rotation", job.ID, map[string]string{"rotationy": "abc"}, 400, "rotationy"},
		{"nan view", job.ID, map[string]string{"viewx": "NaN"}, 400, "viewx"},
		{"zero width", job.ID, map[string]string{"width": "0"}, 400, "width"},
		{"missing job id", "", nil, 400, "jobId"},
		{"unknown job", jobs.NewID(), nil, 404, ""},
		{"garbage job id", "../../etc/passwd", nil, 404, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(resultRequest(tt.jobID, tt.fields))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantField != "" {
				if _, details := errorCode(t, rec); details["field"] != tt.wantField {
					t.Errorf("field = %v, want %s", details["field"], tt.wantField)
				}
			}
		})
	}

	stored, _ := s.store.Get(context.Background(), job.ID)
	if stored.Attempts != 0 {
		t.Errorf("invalid requests must not dispatch, attempts = %d", stored.Attempts)
	}
}

func TestJobEndpoints(t *testing.T) {
	s := newTestServer(t, writeTool(t, `echo '<svg/>' > "${1%.obj}.svg"`), 5*time.Second)
	job := s.upload(t, "cube.obj", cubeOBJ)

	t.Run("output before render", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/output", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/jobs/"+jobs.NewID(), nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
		if code, _ := errorCode(t, rec); code != "JOB_NOT_FOUND" {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		rec = s.do(httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("job still readable: %d", rec.Code)
		}
		rec = s.do(resultRequest(job.ID, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("result for deleted job: %d", rec.Code)
		}
	})
}

func TestIndexPage(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `name="sampleFile"`) {
		t.Error("index page lacks the upload field")
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}

	missing := newTestServer(t, filepath.Join(t.TempDir(), "nope"), time.Second)
	rec = missing.do(httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "degraded" {
		t.Errorf("missing converter should degrade health, got %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)
	s.upload(t, "cube.obj", cubeOBJ)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{`polysvg_uploads_total{outcome="stored"} 1`, `route="/upload"`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, writeTool(t, "exit 0"), time.Second)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Update {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var u events.Update
	if err := json.Unmarshal(msg, &u); err != nil {
		t.Fatalf("decode event %s: %v", msg, err)
	}
	return u
}

func TestJobEventsThroughRouter(t *testing.T) {
	tool := writeTool(t, `printf '<svg/>' > "${1%.obj}.svg"`)
	s := newTestServer(t, tool, 5*time.Second)
	job := s.upload(t, "cube.obj", cubeOBJ)

	ts := httptest.NewServer(s.handler)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/jobs/"

	t.Run("unknown job is rejected before upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+jobs.NewID()+"/events", nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Fatalf("response = %+v, want 404", resp)
		}
	})

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+job.ID+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("handshake status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("middleware did not run on the upgrade")
	}

	snap := readEvent(t, conn)
	if snap.Type != events.TypeSnapshot || snap.JobID != job.ID || snap.Status != jobs.StatusUploaded {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Count(job.ID) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := s.do(resultRequest(job.ID, nil)); rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var seen []jobs.Status
	for len(seen) == 0 || seen[len(seen)-1] != jobs.StatusDone {
		u := readEvent(t, conn)
		if u.Type != events.TypeUpdate {
			t.Fatalf("unexpected event: %+v", u)
		}
		seen = append(seen, u.Status)
	}
	if seen[0] != jobs.StatusRunning {
		t.Errorf("updates = %v, want running first", seen)
	}
}
