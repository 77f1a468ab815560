package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/queue"
)

type stubManager struct {
	added     []entity.Payload
	addErr    error
	status    map[string]entity.JobStatus
	retention time.Duration
}

func (s *stubManager) AddJob(_ context.Context, p entity.Payload) (queue.JobHandle, error) {
	if s.addErr != nil {
		return queue.JobHandle{}, s.addErr
	}
	s.added = append(s.added, p)
	return queue.JobHandle{ID: "job-1", State: constants.JobWaiting}, nil
}

func (s *stubManager) GetJobStatus(_ context.Context, id string) (entity.JobStatus, error) {
	st, ok := s.status[id]
	if !ok {
		return entity.JobStatus{}, common.ErrNotFound
	}
	return st, nil
}

func (s *stubManager) GetQueueStats(context.Context) (entity.QueueStats, error) {
	return entity.QueueStats{Waiting: 2, Active: 1}, nil
}

func (s *stubManager) GetMetrics(context.Context) (entity.QueueMetrics, error) {
	return entity.QueueMetrics{QueueStats: entity.QueueStats{Completed: 3}, CompletedLastHour: 3, Throughput: 0.05, Window: "1h0m0s"}, nil
}

func (s *stubManager) CleanJobs(_ context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, common.NewAppError(common.CodeInvalidInput, "retention must not be negative", common.ErrInvalidInput)
	}
	s.retention = retention
	return 4, nil
}

type stubExporter struct {
	state constants.JobState
	limit int
}

func (s *stubExporter) ExportJobsXLSX(_ context.Context, state constants.JobState, limit int) ([]byte, error) {
	s.state, s.limit = state, limit
	return []byte("PK\x03\x04"), nil
}

const pdfBytes = "%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n"

func newTestRouter(t *testing.T, mgr *stubManager, opts ...Option) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := filepath.Join(t.TempDir(), "uploads")
	return NewRouter(mgr, &stubExporter{}, Config{UploadDir: dir}, nil, opts...), dir
}

func uploadRequest(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestCreateJob(t *testing.T) {
	mgr := &stubManager{}
	r, dir := newTestRouter(t, mgr)

	rec := serve(r, uploadRequest(t, "fattura.pdf", pdfBytes, map[string]string{"language": "ita", "priority": "7"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["id"] != "job-1" || body["state"] != "waiting" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}

	p := mgr.added[0]
	if p.Filename != "fattura.pdf" || p.Language != "ita" || p.Priority != 7 {
		t.Fatalf("payload = %+v", p)
	}
	if filepath.Dir(p.FilePath) != dir || filepath.Ext(p.FilePath) != ".pdf" {
		t.Fatalf("stored at %s", p.FilePath)
	}
	if data, err := os.ReadFile(p.FilePath); err != nil || string(data) != pdfBytes {
		t.Fatalf("stored content mismatch: %v", err)
	}
}

func TestCreateJobRejects(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
		addErr   error
		want     int
		code     string
	}{
		{"missing file", "", "", nil, nil, http.StatusBadRequest, common.CodeInvalidInput},
		{"text upload", "notes.pdf", "plain text, not a document", nil, nil, http.StatusUnsupportedMediaType, common.CodeMalformedInput},
		{"bad priority", "a.pdf", pdfBytes, map[string]string{"priority": "high"}, nil, http.StatusBadRequest, common.CodeInvalidInput},
		{"invalid payload", "a.pdf", pdfBytes, nil, common.NewAppError(common.CodeInvalidInput, "language: bad tag", common.ErrInvalidInput), http.StatusBadRequest, common.CodeInvalidInput},
		{"queue closed", "a.pdf", pdfBytes, nil, common.TransientError("queue is shutting down", nil), http.StatusServiceUnavailable, common.CodeTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, dir := newTestRouter(t, &stubManager{addErr: tc.addErr})
			rec := serve(r, uploadRequest(t, tc.filename, tc.content, tc.fields))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
			if code := decode(t, rec)["code"]; code != tc.code {
				t.Fatalf("code = %v, want %s", code, tc.code)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Fatalf("upload dir keeps %d files after rejection", len(entries))
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	mgr := &stubManager{status: map[string]entity.JobStatus{
		"abc": {ID: "abc", State: constants.JobFailed, FailureReason: "MALFORMED_INPUT: pdf is corrupt or truncated"},
	}}
	r, _ := newTestRouter(t, mgr)

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["state"] != "failed" || body["failed_reason"] != "MALFORMED_INPUT: pdf is corrupt or truncated" {
		t.Fatalf("body = %v", body)
	}

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound || decode(t, rec)["code"] != common.CodeNotFound {
		t.Fatalf("unknown job: %d %s", rec.Code, rec.Body)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t, &stubManager{})

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if body := decode(t, rec); rec.Code != http.StatusOK || body["waiting"] != 2.0 || body["active"] != 1.0 {
		t.Fatalf("stats: %d %v", rec.Code, body)
	}
	rec = serve(r, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if body := decode(t, rec); rec.Code != http.StatusOK || body["completed"] != 3.0 || body["throughput_per_min"] != 0.05 {
		t.Fatalf("metrics: %d %v", rec.Code, body)
	}
}

func TestCleanJobs(t *testing.T) {
	mgr := &stubManager{}
	r, _ := newTestRouter(t, mgr)

	rec := serve(r, httptest.NewRequest(http.MethodPost, "/v1/jobs/clean", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["removed"] != 4.0 || mgr.retention != 24*time.Hour {
		t.Fatalf("default clean: %d %s retention=%v", rec.Code, rec.Body, mgr.retention)
	}
	rec = serve(r, httptest.NewRequest(http.MethodPost, "/v1/jobs/clean?retention=90m", nil))
	if rec.Code != http.StatusOK || mgr.retention != 90*time.Minute {
		t.Fatalf("clean 90m: %d retention=%v", rec.Code, mgr.retention)
	}
	for _, q := range []string{"soon", "-1h"} {
		rec = serve(r, httptest.NewRequest(http.MethodPost, "/v1/jobs/clean?retention="+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("retention=%s status = %d", q, rec.Code)
		}
	}
}

func TestExportJobs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exp := &stubExporter{}
	r := NewRouter(&stubManager{}, exp, Config{UploadDir: t.TempDir()}, nil)

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/v1/jobs/export.xlsx?state=Completed&limit=20", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), `attachment; filename="jobs-`) {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	if exp.state != constants.JobCompleted || exp.limit != 20 {
		t.Fatalf("exporter got state=%s limit=%d", exp.state, exp.limit)
	}

	for _, q := range []string{"state=done", "limit=0", "limit=x"} {
		rec = serve(r, httptest.NewRequest(http.MethodGet, "/v1/jobs/export.xlsx?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d", q, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	ready := false
	r, _ := newTestRouter(t, &stubManager{}, WithReadiness(func() bool { return ready }))

	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status = %d", rec.Code)
	}
	ready = true
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
}

type fakeCounter struct {
	counts  map[string]int64
	expires int
	err     error
}

func (f *fakeCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	f.expires++
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCounter) TTL(context.Context, string) *redis.DurationCmd {
	return redis.NewDurationResult(42*time.Second, nil)
}

func TestUploadRateLimit(t *testing.T) {
	fc := &fakeCounter{counts: map[string]int64{}}
	limiter := NewRateLimiter(RateLimitConfig{Client: fc, Limit: 2, Window: time.Minute})
	mgr := &stubManager{}
	r, _ := newTestRouter(t, mgr, WithUploadLimiter(limiter))

	for i := 0; i < 2; i++ {
		if rec := serve(r, uploadRequest(t, "a.pdf", pdfBytes, nil)); rec.Code != http.StatusAccepted {
			t.Fatalf("upload %d status = %d", i+1, rec.Code)
		}
	}
	rec := serve(r, uploadRequest(t, "a.pdf", pdfBytes, nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third upload status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("headers = %v", rec.Header())
	}
	if len(mgr.added) != 2 || fc.expires != 1 {
		t.Fatalf("added=%d expires=%d", len(mgr.added), fc.expires)
	}

	// status reads are not limited
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/v1/stats", nil)); rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	fc := &fakeCounter{err: redis.ErrClosed}
	r, _ := newTestRouter(t, &stubManager{}, WithUploadLimiter(NewRateLimiter(RateLimitConfig{Client: fc, Limit: 1})))
	for i := 0; i < 3; i++ {
		if rec := serve(r, uploadRequest(t, "a.pdf", pdfBytes, nil)); rec.Code != http.StatusAccepted {
			t.Fatalf("upload %d status = %d", i+1, rec.Code)
		}
	}
}

func TestGRPCHealth(t *testing.T) {
	g, err := NewGRPCHealth("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewGRPCHealth: %v", err)
	}
	go func() { _ = g.Serve() }()
	defer g.Stop()

	conn, err := grpc.NewClient(g.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if st := check(); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before start = %v", st)
	}
	g.SetServing(true)
	if st := check(); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("after start = %v", st)
	}
}
