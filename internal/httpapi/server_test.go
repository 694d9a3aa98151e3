package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graceline/safety/internal/cooldown"
	"github.com/graceline/safety/internal/escalation"
	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/protocol"
	"github.com/graceline/safety/internal/queue"
	"github.com/graceline/safety/internal/ratelimit"
	"github.com/graceline/safety/internal/report"
	"github.com/graceline/safety/internal/session"
)

const adminToken = "test-admin-token"

type fakeEscalator struct {
	classifier *moderation.Classifier

	mu     sync.Mutex
	events []escalation.Event
}

func (f *fakeEscalator) Classify(text string) moderation.CategorySet {
	return f.classifier.Classify(text)
}

func (f *fakeEscalator) Enqueue(ev escalation.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeEscalator) last(t *testing.T) escalation.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.events)
	return f.events[len(f.events)-1]
}

type fakeLimiter struct {
	deny bool

	mu  sync.Mutex
	ids []string
}

func (l *fakeLimiter) Check(_ context.Context, id string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
	if l.deny {
		return ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: rule.Limit - 1}, nil
}

type emailSink struct {
	mu   sync.Mutex
	jobs []notify.Job
}

func (e *emailSink) Channel() notify.Channel { return notify.ChannelReportEmail }

func (e *emailSink) Dispatch(_ context.Context, job notify.Job) (notify.Ack, error) {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
	return notify.Ack{Channel: notify.ChannelReportEmail, Ref: job.ID}, nil
}

func (e *emailSink) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

type failingReports struct{}

var errDown = errors.New("pq: connection refused")

func (failingReports) Open(context.Context, string, time.Time) (report.Record, error) {
	return report.Record{}, errDown
}

func (failingReports) Submit(context.Context, string, report.Fields, time.Time) (report.Record, error) {
	return report.Record{}, errDown
}

func (failingReports) Skip(context.Context, string, time.Time) (report.Record, error) {
	return report.Record{}, errDown
}

func (failingReports) Get(context.Context, string) (report.Record, error) {
	return report.Record{}, errDown
}

type testEnv struct {
	handler   http.Handler
	queue     *queue.Service
	pipeline  *fakeEscalator
	limiter   *fakeLimiter
	email     *emailSink
	runner    *notify.Runner
	cooldowns *cooldown.MemoryStore
}

func newEnv(t *testing.T, reports report.Store) *testEnv {
	t.Helper()
	if reports == nil {
		reports = report.NewMemoryStore()
	}
	classifier := moderation.NewClassifier(moderation.DefaultKeywords)
	env := &testEnv{
		queue:     queue.NewService(queue.NewMemoryStore(), nil, classifier),
		pipeline:  &fakeEscalator{classifier: classifier},
		limiter:   &fakeLimiter{},
		email:     &emailSink{},
		cooldowns: cooldown.NewMemoryStore(cooldown.DefaultWindow),
	}
	env.runner = notify.NewRunner(time.Second, time.Millisecond, env.email)
	srv := NewServer(Options{
		Queue:     env.queue,
		Reports:   report.NewCapture(reports, nil, env.runner, nil),
		Pipeline:  env.pipeline,
		Auth:      StaticToken{Token: adminToken},
		Limiter:   env.limiter,
		Cooldowns: env.cooldowns,
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[protocol.ErrorResponse](t, rec).Error.Code
}

func (e *testEnv) submit(t *testing.T, subject, text string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/submissions", protocol.SubmitRequest{SubjectID: subject, Text: text}, false)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decodeBody[protocol.SubmitResponse](t, rec).ID
}

func TestSubmit_StoresAndEnqueues(t *testing.T) {
	env := newEnv(t, nil)

	id := env.submit(t, "U1", "I don't think I can go on anymore")

	it, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, it.CrisisDetected)
	assert.Equal(t, "U1", it.OwnerID)

	ev := env.pipeline.last(t)
	assert.Equal(t, id, ev.ContentID)
	assert.Equal(t, "U1", ev.SubjectID)
	assert.True(t, ev.Matches.Has(moderation.CategoryDistress))
}

func TestSubmit_ConversationIsNotStored(t *testing.T) {
	env := newEnv(t, nil)
	age := 14

	rec := env.do(t, http.MethodPost, "/v1/submissions", protocol.SubmitRequest{
		Kind:       protocol.KindConversation,
		SessionID:  "S1",
		Text:       "my uncle touched me",
		SubjectAge: &age,
	}, false)

	require.Equal(t, http.StatusAccepted, rec.Code)
	ev := env.pipeline.last(t)
	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, "session:S1", ev.SubjectID)
	assert.Empty(t, ev.ContentID)
	assert.True(t, ev.IsMinor())

	items, err := env.queue.List(context.Background(), queue.FilterAll, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSubmit_Invalid(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/submissions", protocol.SubmitRequest{SubjectID: "U1"}, false)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestSubmit_RateLimited(t *testing.T) {
	env := newEnv(t, nil)
	env.limiter.deny = true

	rec := env.do(t, http.MethodPost, "/v1/submissions", protocol.SubmitRequest{SubjectID: "U1", Text: "hello"}, false)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestThrottleKeyIgnoresClientHeaders(t *testing.T) {
	env := newEnv(t, nil)
	id := env.submit(t, "U1", "Please pray for my family")

	for _, header := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/items/"+id+"/flag", nil)
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("X-Client-ID", header)
		env.handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	env.limiter.mu.Lock()
	defer env.limiter.mu.Unlock()
	assert.Equal(t, []string{"198.51.100.7", "198.51.100.7", "198.51.100.7"}, env.limiter.ids[1:])
}

func TestFlag_CountsAndEnqueues(t *testing.T) {
	env := newEnv(t, nil)
	id := env.submit(t, "U1", "Please pray for my family")

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = env.do(t, http.MethodPost, "/v1/items/"+id+"/flag", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 3, decodeBody[protocol.CountResponse](t, rec).Count)
	ev := env.pipeline.last(t)
	assert.Equal(t, id, ev.ContentID)
	assert.Equal(t, 3, ev.FlagCount)
	assert.True(t, ev.Matches.Empty())
}

func TestFlag_UnknownItem(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/items/not-a-uuid/flag", nil, false)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnswered_OwnerOnly(t *testing.T) {
	env := newEnv(t, nil)
	id := env.submit(t, "U1", "Please pray for my job search")

	rec := env.do(t, http.MethodPost, "/v1/items/"+id+"/answered", protocol.OwnerRequest{OwnerID: "U2"}, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/items/"+id+"/answered", protocol.OwnerRequest{OwnerID: "U1"}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[queue.Item](t, rec).Answered)
}

func TestReport_EmptyFieldsSucceed(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/reports", protocol.ReportRequest{SessionID: "S9"}, false)
	env.runner.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[protocol.ReportResponse](t, rec).Success)
	assert.Equal(t, 1, env.email.count())

	rec = env.do(t, http.MethodGet, "/admin/reports/S9", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[report.Record](t, rec)
	assert.Equal(t, "S9", got.SessionID)
	assert.False(t, got.ReportTimestamp.IsZero())
	assert.NotNil(t, got.SubmittedAt)
}

func TestReport_SecondSubmitConflicts(t *testing.T) {
	env := newEnv(t, nil)

	env.do(t, http.MethodPost, "/v1/reports", protocol.ReportRequest{SessionID: "S1"}, false)
	rec := env.do(t, http.MethodPost, "/v1/reports", protocol.ReportRequest{SessionID: "S1"}, false)

	assert.Equal(t, http.StatusConflict, rec.Code)
	got := decodeBody[protocol.ReportResponse](t, rec)
	assert.False(t, got.Success)
	assert.NotEmpty(t, got.Message)
}

func TestReport_FailuresKeepResponseShape(t *testing.T) {
	env := newEnv(t, nil)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"empty session", "/v1/reports", protocol.ReportRequest{}, http.StatusBadRequest},
		{"malformed body", "/v1/reports", "not an object", http.StatusBadRequest},
		{"skip blank session", "/v1/reports/%20/skip", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body, false)

			assert.Equal(t, tt.status, rec.Code)
			got := decodeBody[map[string]any](t, rec)
			assert.Equal(t, false, got["success"])
			assert.NotEmpty(t, got["message"])
			assert.NotContains(t, got, "error")
		})
	}
}

func TestReport_StorageFailureIsSurfaced(t *testing.T) {
	env := newEnv(t, failingReports{})

	rec := env.do(t, http.MethodPost, "/v1/reports", protocol.ReportRequest{SessionID: "S2", FullName: "Ana"}, false)
	env.runner.Wait()

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	got := decodeBody[protocol.ReportResponse](t, rec)
	assert.False(t, got.Success)
	assert.Contains(t, got.Message, "could not save your report")
	assert.Equal(t, 1, env.email.count(), "email is independent of the write")

	rec = env.do(t, http.MethodPost, "/v1/reports/S2/skip", nil, false)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decodeBody[protocol.ReportResponse](t, rec).Success)
}

func TestReport_SkipAndCapture(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/conversations/S3/capture", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	guard := decodeBody[report.Guard](t, rec)
	assert.False(t, guard.ReportTimestamp.IsZero())

	rec = env.do(t, http.MethodGet, "/v1/conversations/S3/capture", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StatusCapturing, decodeBody[report.Guard](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/v1/reports/S3/skip", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/conversations/S3/capture", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StatusSkipped, decodeBody[report.Guard](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/v1/conversations/unknown/capture", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/reports/S3", nil, true)
	got := decodeBody[report.Record](t, rec)
	assert.NotNil(t, got.SkippedAt)
	assert.True(t, got.ReportTimestamp.Equal(guard.ReportTimestamp))
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/admin/queue", nil, false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestAdmin_ListFilters(t *testing.T) {
	env := newEnv(t, nil)
	crisis := env.submit(t, "U1", "I want to kill myself")
	env.submit(t, "U2", "Please pray for rain")

	rec := env.do(t, http.MethodGet, "/admin/queue?filter=crisis", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[protocol.QueueListResponse](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, crisis, list.Items[0].ID)

	rec = env.do(t, http.MethodGet, "/admin/queue?filter=bogus", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/queue?limit=0", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_EditHideDelete(t *testing.T) {
	env := newEnv(t, nil)
	id := env.submit(t, "U1", "I relapsed again")
	require.NoError(t, env.queue.MarkNeedsModeration(context.Background(), id, "spam"))

	body := "Please pray for my recovery"
	rec := env.do(t, http.MethodPatch, "/admin/queue/"+id, protocol.ItemPatch{Body: &body}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	it := decodeBody[queue.Item](t, rec)
	assert.False(t, it.NeedsModeration)
	assert.Equal(t, body, it.Body)

	rec = env.do(t, http.MethodPost, "/admin/queue/"+id+"/status", protocol.StatusRequest{Status: "gone"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/queue/"+id+"/status", protocol.StatusRequest{Status: "hidden"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.StatusHidden, decodeBody[queue.Item](t, rec).Status)

	rec = env.do(t, http.MethodDelete, "/admin/queue/"+id, nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/queue/"+id, nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Cooldown(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.cooldowns.RecordAlert(context.Background(), "U1", time.Now().Add(-time.Hour)))

	rec := env.do(t, http.MethodGet, "/admin/cooldowns/U1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[protocol.CooldownResponse](t, rec)
	assert.True(t, got.Active)
	assert.NotEmpty(t, got.LastAlertAt)

	rec = env.do(t, http.MethodGet, "/admin/cooldowns/U2", nil, true)
	got = decodeBody[protocol.CooldownResponse](t, rec)
	assert.False(t, got.Active)
	assert.Empty(t, got.LastAlertAt)
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_ReportsFailingDependency(t *testing.T) {
	srv := NewServer(Options{Health: map[string]Check{
		"redis": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("nats: not connected") },
	}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decodeBody[map[string]string](t, rec)
	assert.Equal(t, map[string]string{"status": "degraded", "redis": "ok", "nats": "down"}, got)
}

func TestAdminLinksResolve(t *testing.T) {
	env := newEnv(t, nil)
	itemID := env.submit(t, "U1", "Please pray for my family")
	env.do(t, http.MethodPost, "/v1/reports", protocol.ReportRequest{SessionID: "S-minor"}, false)
	env.runner.Wait()

	jobs := map[string]notify.Job{
		"conversation alert": {Channel: notify.ChannelPastorEmail, SessionID: "S-chat", SubjectID: "session:S-chat"},
		"content alert":      {Channel: notify.ChannelPastorPush, SubjectID: "U1", ContentID: itemID},
		"report email":       {Channel: notify.ChannelReportEmail, SessionID: "S-minor"},
		"no subject":         {Channel: notify.ChannelPastorEmail, ID: "j1"},
	}
	for name, job := range jobs {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, notify.AdminLink("", job), nil, true)
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmit_SpamReasonReachesPipeline(t *testing.T) {
	env := newEnv(t, nil)

	id := env.submit(t, "U1", "free blessings at https://cheap.example.com/now")

	ev := env.pipeline.last(t)
	assert.True(t, ev.SpamDetected)
	assert.Equal(t, moderation.SpamLink, ev.SpamReason)

	it, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ev.SpamReason.QueueReason(), it.ModerationReason)
}
