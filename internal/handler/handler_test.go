package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/registry"
	"github.com/pavelanni/autograder/internal/seed"
	"github.com/pavelanni/autograder/internal/store"
)

type fakePublisher struct {
	mu          sync.Mutex
	submissions []queue.SubmissionUnit
	answers     []queue.AnswerUnit
}

func (p *fakePublisher) PublishSubmission(_ context.Context, u queue.SubmissionUnit) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = append(p.submissions, u)
	return "sub-msg", nil
}

func (p *fakePublisher) PublishAnswer(_ context.Context, u queue.AnswerUnit) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, u)
	return "answer-msg", nil
}

type testServer struct {
	st   *store.Store
	orch *grading.Orchestrator
	pub  *fakePublisher
	srv  *httptest.Server

	examID    int64
	submitted int64
	draft     int64
	answerID  int64
}

// newTestServer serves an exam with one 5-mark essay, a submitted
// submission and a draft, graded by the mock service.
func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(st, registry.FallbackService, logger)
	ts := &testServer{st: st, pub: &fakePublisher{}}
	ts.orch = grading.New(st, reg, logger)
	ts.orch.SetQueue(ts.pub)

	ts.examID, err = st.CreateExam(ctx, "Programming")
	if err != nil {
		t.Fatal(err)
	}
	qID, err := st.InsertQuestion(ctx, model.Question{ExamID: ts.examID, Type: model.QuestionEssay,
		Text: "Describe OOP.", MaxMarks: 5, Keywords: []string{"object", "class"}, KeywordWeight: 1})
	if err != nil {
		t.Fatal(err)
	}
	ts.submitted, err = st.CreateSubmission(ctx, ts.examID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ts.answerID, err = st.SaveAnswerText(ctx, ts.submitted, qID, "An object is an instance of a class"); err != nil {
		t.Fatal(err)
	}
	if err := st.Submit(ctx, ts.submitted); err != nil {
		t.Fatal(err)
	}
	ts.draft, err = st.CreateSubmission(ctx, ts.examID, 2)
	if err != nil {
		t.Fatal(err)
	}

	h := New(st, ts.orch, seed.New(st, ts.orch, logger), Config{Lang: "en", Token: token}, logger)
	ts.srv = httptest.NewServer(h.Router())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decodeJSON[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestRequireToken(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusForbidden},
		{name: "valid", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/grading/services", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	// Health checks stay open.
	if resp := ts.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestGradeSubmission(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodPost, "/api/submissions/"+itoa(ts.submitted)+"/grade", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeJSON[map[string]any](t, resp)
	if body["task_id"] == nil || body["status"] != string(model.TaskPending) {
		t.Errorf("body = %v", body)
	}
	if len(ts.pub.submissions) != 1 || ts.pub.submissions[0].SubmissionID != ts.submitted {
		t.Errorf("published = %+v", ts.pub.submissions)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad id", path: "/api/submissions/abc/grade", want: http.StatusBadRequest},
		{name: "missing", path: "/api/submissions/999/grade", want: http.StatusNotFound},
		{name: "draft", path: "/api/submissions/" + itoa(ts.draft) + "/grade", want: http.StatusConflict},
		{name: "unknown field", path: "/api/submissions/" + itoa(ts.submitted) + "/grade",
			body: `{"bogus": 1}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := ts.do(t, http.MethodPost, tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGradeSubmissionWithoutQueue(t *testing.T) {
	ts := newTestServer(t, "")
	ts.orch.SetQueue(nil)
	resp := ts.do(t, http.MethodPost, "/api/submissions/"+itoa(ts.submitted)+"/grade", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestBulkGrade(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodPost, "/api/grading/bulk",
		`{"submission_ids": [`+itoa(ts.submitted)+`], "grading_service": "mock"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeJSON[map[string]any](t, resp); body["count"] != float64(1) {
		t.Errorf("body = %v", body)
	}

	resp = ts.do(t, http.MethodPost, "/api/grading/bulk", `{"submission_ids": []}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d", resp.StatusCode)
	}
	body := decodeJSON[errorResponse](t, resp)
	if len(body.Fields) == 0 || body.Fields[0].Field != "submission_ids" {
		t.Errorf("fields = %+v", body.Fields)
	}

	resp = ts.do(t, http.MethodPost, "/api/grading/bulk", `{"submission_ids": [`+itoa(ts.submitted)+`, 999]}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing id status = %d", resp.StatusCode)
	}
}

func TestManualGrade(t *testing.T) {
	ts := newTestServer(t, "")
	path := "/api/answers/" + itoa(ts.answerID) + "/grade"

	resp := ts.do(t, http.MethodPut, path, `{"score": 3.5, "feedback": "ok"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	av := decodeJSON[model.AnswerView](t, resp)
	if a := av.Answer; a.Score == nil || *a.Score != 3.5 || a.GradedBy != model.GradedByManual {
		t.Errorf("answer = %+v", av)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "missing score", body: `{"feedback": "x"}`, want: http.StatusBadRequest},
		{name: "negative", body: `{"score": -1}`, want: http.StatusBadRequest},
		{name: "above max", body: `{"score": 6}`, want: http.StatusBadRequest},
		{name: "not json", body: `score=1`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := ts.do(t, http.MethodPut, path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if resp := ts.do(t, http.MethodPut, "/api/answers/999/grade", `{"score": 1}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing answer status = %d", resp.StatusCode)
	}
}

func TestTasks(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPost, "/api/submissions/"+itoa(ts.submitted)+"/grade", "")

	resp := ts.do(t, http.MethodGet, "/api/grading/tasks?status=pending&limit=10", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	tasks := decodeJSON[[]model.GradingTask](t, resp)
	if len(tasks) != 1 || tasks[0].SubmissionID != ts.submitted {
		t.Fatalf("tasks = %+v", tasks)
	}

	resp = ts.do(t, http.MethodGet, "/api/grading/tasks/stats", "")
	if stats := decodeJSON[model.TaskStats](t, resp); stats.Pending != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if resp := ts.do(t, http.MethodGet, "/api/grading/tasks?status=lost", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", resp.StatusCode)
	}
	// Pending tasks are not retryable.
	resp = ts.do(t, http.MethodPost, "/api/grading/tasks/"+itoa(tasks[0].ID)+"/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry status = %d", resp.StatusCode)
	}
}

func TestSaveConfig(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodPost, "/api/grading/configs",
		`{"scope": "exam", "exam_id": `+itoa(ts.examID)+`, "grading_service": "mock",
		  "service_config": {"api_key": "sk-test"}, "auto_grade_threshold": 70}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	saved := decodeJSON[model.GradingConfiguration](t, resp)
	if saved.ID == 0 || saved.AutoGradeThreshold != 70 || saved.MaxRetries != 3 {
		t.Errorf("saved = %+v", saved)
	}
	if saved.ServiceConfig.APIKey != "***" {
		t.Errorf("api key not redacted: %q", saved.ServiceConfig.APIKey)
	}

	resp = ts.do(t, http.MethodGet, "/api/grading/configs", "")
	if list := decodeJSON[[]model.GradingConfiguration](t, resp); len(list) != 1 || list[0].ServiceConfig.APIKey != "***" {
		t.Errorf("list = %+v", list)
	}

	resp = ts.do(t, http.MethodPost, "/api/grading/configs", `{"scope": "question", "grading_service": "mock"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config status = %d", resp.StatusCode)
	}
	if body := decodeJSON[errorResponse](t, resp); len(body.Fields) == 0 {
		t.Errorf("no field errors: %+v", body)
	}
}

func TestSaveConfigRejected(t *testing.T) {
	ts := newTestServer(t, "")
	av, err := ts.st.GetAnswerView(context.Background(), ts.answerID)
	if err != nil {
		t.Fatal(err)
	}
	other, err := ts.st.CreateExam(context.Background(), "History")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body string
	}{
		{"question from another exam",
			`{"scope": "question", "exam_id": ` + itoa(other) + `, "question_id": ` + itoa(av.Question.ID) +
				`, "grading_service": "mock"}`},
		{"timeout over an hour", `{"scope": "global", "grading_service": "mock", "grading_timeout": 7200}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/grading/configs", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			resp.Body.Close()
		})
	}
	resp := ts.do(t, http.MethodGet, "/api/grading/configs", "")
	if list := decodeJSON[[]model.GradingConfiguration](t, resp); len(list) != 0 {
		t.Errorf("rejected configs were stored: %+v", list)
	}
}

func TestServices(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodGet, "/api/grading/services", "")
	services := decodeJSON[[]model.ServiceInfo](t, resp)
	if len(services) == 0 || services[0].Name != registry.FallbackService {
		t.Errorf("services = %+v", services)
	}
}

const fixture = `
exams:
  - title: Uploaded
    questions:
      - {type: true_false, text: Sky is blue, options: ["True", "False"], max_marks: 1, correct_answer: "True"}
    submissions:
      - {student_id: 3, answers: ["true"]}
`

func upload(t *testing.T, ts *testServer, name, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("fixture", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	resp, err := http.Post(ts.srv.URL+"/api/fixtures", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadFixtures(t *testing.T) {
	ts := newTestServer(t, "")

	resp := upload(t, ts, "quiz.yaml", fixture)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if res := decodeJSON[seed.Result](t, resp); res.Exams != 1 || res.Questions != 1 || res.Submissions != 1 {
		t.Errorf("result = %+v", res)
	}

	resp = upload(t, ts, "renamed.yaml", fixture)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status = %d", resp.StatusCode)
	}
	if res := decodeJSON[seed.Result](t, resp); !res.Skipped {
		t.Errorf("repeat upload not skipped: %+v", res)
	}

	if resp := upload(t, ts, "broken.yaml", "exams: ["); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("broken fixture status = %d", resp.StatusCode)
	}
	bad := "exams:\n  - title: Odd\n    questions:\n      - {type: matching, text: Pair, max_marks: 2}\n"
	if resp := upload(t, ts, "odd.yaml", bad); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown question type status = %d", resp.StatusCode)
	}
	if n, _ := ts.st.QuestionCount(context.Background()); n != 2 {
		t.Errorf("question count = %d, want 2", n)
	}
}

func TestExport(t *testing.T) {
	ts := newTestServer(t, "")
	if _, err := ts.orch.ManualGrade(context.Background(), ts.answerID, 4, ""); err != nil {
		t.Fatal(err)
	}
	base := "/api/exams/" + itoa(ts.examID) + "/export"

	resp := ts.do(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	exp := decodeJSON[model.GradeExport](t, resp)
	if exp.ExamTitle != "Programming" || len(exp.Results) != 2 {
		t.Fatalf("export = %+v", exp)
	}

	resp = ts.do(t, http.MethodGet, base+"?format=xlsx", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("xlsx status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".xlsx") {
		t.Errorf("content disposition = %q", cd)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Error("xlsx body is not a zip archive")
	}

	if resp := ts.do(t, http.MethodGet, base+"?format=csv", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("csv status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/exams/999/export", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing exam status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Init()
	ts := newTestServer(t, "")
	ts.do(t, http.MethodGet, "/healthz", "")
	resp := ts.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte("autograder_http_requests_total")) {
		t.Error("request counter missing from metrics output")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
