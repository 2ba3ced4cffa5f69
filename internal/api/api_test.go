package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GezzyDax/Timelith/internal/api"
	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	"github.com/GezzyDax/Timelith/internal/storage/storagetest"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const testKey = "secret"

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

type stubRetrier struct {
	logs *sendlog.Store
}

// Retry flips the log to sending and marks it sent, like a successful
// re-delivery.
func (s stubRetrier) Retry(ctx context.Context, id string) (sendlog.Log, error) {
	l, err := s.logs.BeginRetry(ctx, id, t0)
	if err != nil {
		return l, err
	}
	if err := s.logs.MarkSent(ctx, id, "99", t0); err != nil {
		return l, err
	}
	return s.logs.Get(ctx, id)
}

type fixture struct {
	srv       *httptest.Server
	schedules *schedule.Store
	channels  *channel.Store
	logs      *sendlog.Store
	templates *message.Store
	sched     schedule.Schedule
	channel   channel.Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithClock(t, func() time.Time { return t0 })
}

func newFixtureWithClock(t *testing.T, now func() time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	f := &fixture{
		schedules: schedule.NewStore(db, schedule.NewCalculator(), logx.Nop()),
		channels:  channel.NewStore(db),
		logs:      sendlog.NewStore(db),
	}
	templates := message.NewStore(db)
	f.templates = templates

	tpl, err := templates.Save(ctx, message.Template{Name: "t", Content: "hello", ParseMode: message.ParseModeHTML}, t0)
	require.NoError(t, err)
	f.sched, err = f.schedules.Create(ctx, schedule.Schedule{
		Name:       "hourly",
		TemplateID: tpl.ID,
		Def:        schedule.Definition{Kind: schedule.KindInterval, IntervalMinutes: 60},
	}, t0)
	require.NoError(t, err)
	f.channel, err = f.channels.Upsert(ctx, channel.Target{ExternalID: "-1001", Title: "News"}, t0)
	require.NoError(t, err)
	require.NoError(t, f.channels.Attach(ctx, f.sched.ID, f.channel.ID, t0))

	h := api.NewHandler(api.Deps{
		Schedules: f.schedules,
		Channels:  f.channels,
		Templates: templates,
		Logs:      f.logs,
		Retrier:   stubRetrier{logs: f.logs},
		Now:       now,
	}, time.Minute, logx.Nop())
	f.srv = httptest.NewServer(h.Routes(testKey))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRequiresAPIKey(t *testing.T) {
	f := newFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/schedules")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActivateAndList(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/schedules", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["schedules"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/schedules/"+f.sched.ID+"/activate", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/schedules", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["schedules"].([]any)
	require.Len(t, list, 1)
	sc := list[0].(map[string]any)
	assert.Equal(t, "interval", sc["schedule_type"])
	assert.EqualValues(t, 60, sc["interval_minutes"])
	assert.Equal(t, "hello", sc["message_template"].(map[string]any)["content"])
	ch := sc["channels"].([]any)[0].(map[string]any)
	assert.Equal(t, "-1001", ch["telegram_id"])
	assert.Equal(t, "News", ch["name"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/schedules/"+f.sched.ID+"/deactivate", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := f.schedules.Get(context.Background(), f.sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestActivateWithoutChannels(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.channels.Detach(context.Background(), f.sched.ID, f.channel.ID))
	resp, _ := f.do(t, http.MethodPost, "/api/v1/schedules/"+f.sched.ID+"/activate", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/schedules/nope/activate", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func reportBody(f *fixture, status string) string {
	return `{"send_log":{"schedule_id":"` + f.sched.ID + `","channel_id":"` + f.channel.ID +
		`","status":"` + status + `","message_content":"hello","telegram_message_id":"5"}}`
}

func TestReportOutcomeRecordsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.schedules.Activate(ctx, f.sched.ID, t0)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "sent"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	l, err := f.logs.Get(ctx, body["log_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, sendlog.StatusSent, l.Status)
	assert.Equal(t, t0, l.SentAt)

	sc, err := f.schedules.Get(ctx, f.sched.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sc.TotalRuns)
	assert.EqualValues(t, 1, sc.SuccessfulRuns)
	assert.Equal(t, t0.Add(time.Hour), sc.NextRunAt)
}

func TestReportOutcomeIdempotent(t *testing.T) {
	f := newFixture(t)
	hdr := map[string]string{"Idempotency-Key": "k-1"}

	resp, first := f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "failed"), hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, second := f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "failed"), hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first["log_id"], second["log_id"])

	sc, err := f.schedules.Get(context.Background(), f.sched.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sc.TotalRuns)
	assert.EqualValues(t, 1, sc.FailedRuns)
}

func TestReportOutcomeValidation(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/send_logs", `{"send_log":{"status":"bogus"}}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Len(t, body["errors"], 3)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/send_logs", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.logs.Import(ctx, sendlog.Log{
		ScheduleID: f.sched.ID, ChannelID: f.channel.ID, Status: sendlog.StatusFailed, ErrorMessage: "x",
	}, t0)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/v1/send_logs/"+l.ID+"/retry", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := body["send_log"].(map[string]any)
	assert.Equal(t, "sent", view["status"])
	assert.EqualValues(t, 1, view["retry_count"])

	// Sent logs cannot be retried.
	resp, body = f.do(t, http.MethodPost, "/api/v1/send_logs/"+l.ID+"/retry", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Cannot retry this message", body["error"])

	exhausted, err := f.logs.Import(ctx, sendlog.Log{
		ScheduleID: f.sched.ID, ChannelID: f.channel.ID, Status: sendlog.StatusFailed, RetryCount: sendlog.MaxRetries,
	}, t0)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/send_logs/"+exhausted.ID+"/retry", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	got, err := f.logs.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, sendlog.MaxRetries, got.RetryCount)
}

func TestServiceLifecycle(t *testing.T) {
	svc := api.New(api.Config{Enabled: true, Addr: "127.0.0.1:0", Key: testKey}, api.Deps{}, logx.Nop())
	svc.Start(context.Background())
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	assert.Empty(t, svc.Addr())
}

func TestReportOutcomeInFlightDuplicateIsRejected(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var calls atomic.Int32
	f := newFixtureWithClock(t, func() time.Time {
		if calls.Add(1) == 1 {
			close(entered)
			<-gate
		}
		return t0
	})
	hdr := map[string]string{"Idempotency-Key": "k-2"}

	type result struct {
		code int
		body map[string]any
		err  error
	}
	first := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/send_logs", strings.NewReader(reportBody(f, "sent")))
		req.Header.Set("X-API-Key", testKey)
		req.Header.Set("Idempotency-Key", "k-2")
		resp, err := f.srv.Client().Do(req)
		if err != nil {
			first <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		err = json.NewDecoder(resp.Body).Decode(&body)
		first <- result{code: resp.StatusCode, body: body, err: err}
	}()
	<-entered

	resp, _ := f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "sent"), hdr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate)
	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, http.StatusCreated, got.code)

	resp, replay := f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "sent"), hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, got.body["log_id"], replay["log_id"])

	sc, err := f.schedules.Get(context.Background(), f.sched.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sc.TotalRuns)
}

func TestReportOutcomeReplaysClientErrors(t *testing.T) {
	f := newFixture(t)
	hdr := map[string]string{"Idempotency-Key": "k-3"}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/send_logs", `not json`, hdr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "sent"), hdr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "4xx responses are replayed too")

	hdr["Idempotency-Key"] = "k-4"
	resp, _ = f.do(t, http.MethodPost, "/api/v1/send_logs", reportBody(f, "sent"), hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestScheduleCRUD(t *testing.T) {
	f := newFixture(t)
	body := `{"schedule":{"name":"morning","message_template_id":"` + f.sched.TemplateID +
		`","schedule_type":"cron","cron_expression":"0 9 * * *","timezone":"Europe/Berlin"}}`

	resp, out := f.do(t, http.MethodPost, "/api/v1/schedules", body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sc := out["schedule"].(map[string]any)
	id := sc["id"].(string)
	assert.Equal(t, "morning", sc["name"])
	assert.Equal(t, false, sc["active"])
	assert.Equal(t, "Europe/Berlin", sc["timezone"])
	assert.Equal(t, "hello", sc["message_template"].(map[string]any)["content"])

	resp, out = f.do(t, http.MethodGet, "/api/v1/schedules/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0 9 * * *", out["schedule"].(map[string]any)["cron_expression"])

	resp, out = f.do(t, http.MethodPut, "/api/v1/schedules/"+id,
		`{"schedule":{"name":"every half hour","schedule_type":"interval","interval_minutes":30}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc = out["schedule"].(map[string]any)
	assert.Equal(t, "interval", sc["schedule_type"])
	assert.EqualValues(t, 30, sc["interval_minutes"])
	assert.Nil(t, sc["message_template"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/schedules/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/schedules/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/schedules/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleInputValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "no name", body: `{"schedule":{"schedule_type":"interval","interval_minutes":5}}`, code: http.StatusUnprocessableEntity},
		{name: "unknown type", body: `{"schedule":{"name":"x","schedule_type":"weekly"}}`, code: http.StatusUnprocessableEntity},
		{name: "bad cron", body: `{"schedule":{"name":"x","schedule_type":"cron","cron_expression":"every day"}}`, code: http.StatusUnprocessableEntity},
		{name: "bad timezone", body: `{"schedule":{"name":"x","schedule_type":"interval","interval_minutes":5,"timezone":"Mars/Base"}}`, code: http.StatusUnprocessableEntity},
		{name: "missing template", body: `{"schedule":{"name":"x","schedule_type":"interval","interval_minutes":5,"message_template_id":"nope"}}`, code: http.StatusUnprocessableEntity},
		{name: "not json", body: `{`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/api/v1/schedules", tt.body, nil)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	resp, _ := f.do(t, http.MethodPut, "/api/v1/schedules/nope",
		`{"schedule":{"name":"x","schedule_type":"interval","interval_minutes":5}}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAttachAndDetachChannels(t *testing.T) {
	f := newFixture(t)
	base := "/api/v1/schedules/" + f.sched.ID + "/channels/"

	resp, out := f.do(t, http.MethodPost, "/api/v1/channels",
		`{"channel":{"telegram_id":"@updates","kind":"supergroup","title":"Updates"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := out["channel"].(map[string]any)
	assert.Equal(t, "supergroup", second["kind"])
	secondID := second["id"].(string)

	resp, out = f.do(t, http.MethodPut, base+secondID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	members := out["channels"].([]any)
	require.Len(t, members, 2)
	assert.Equal(t, f.channel.ID, members[0].(map[string]any)["id"])
	assert.Equal(t, secondID, members[1].(map[string]any)["id"])

	resp, _ = f.do(t, http.MethodPut, base+"missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := f.schedules.Activate(context.Background(), f.sched.ID, t0)
	require.NoError(t, err)

	resp, out = f.do(t, http.MethodDelete, base+f.channel.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["channels"], 1)

	resp, _ = f.do(t, http.MethodDelete, base+secondID, "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/schedules/nope/channels/"+secondID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpsertChannelValidation(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/api/v1/channels", `{"channel":{"kind":"forum","thread_id":-1}}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Len(t, out["errors"], 3)
}

func TestScheduleLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, status := range []sendlog.Status{sendlog.StatusFailed, sendlog.StatusSent} {
		_, err := f.logs.Import(ctx, sendlog.Log{
			ScheduleID: f.sched.ID, ChannelID: f.channel.ID, Status: status, MessageContent: "hello",
		}, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	resp, out := f.do(t, http.MethodGet, "/api/v1/schedules/"+f.sched.ID+"/logs?limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := out["send_logs"].([]any)
	require.Len(t, logs, 1)
	newest := logs[0].(map[string]any)
	assert.Equal(t, "sent", newest["status"])
	assert.Equal(t, "hello", newest["message_content"])

	resp, out = f.do(t, http.MethodGet, "/api/v1/logs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["send_logs"], 2)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/schedules/nope/logs", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/logs?limit=zero", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestTemplateSaveAndGet(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/api/v1/templates",
		`{"message_template":{"name":"promo","content":"Sale on {{date}}","parse_mode":"HTML",`+
			`"buttons":[[{"text":"Shop","url":"https://example.org"}]]}}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tpl := out["message_template"].(map[string]any)
	id := tpl["id"].(string)
	assert.Equal(t, "html", tpl["parse_mode"])
	assert.JSONEq(t, `[[{"text":"Shop","url":"https://example.org"}]]`, tpl["buttons"].(string))

	resp, out = f.do(t, http.MethodPut, "/api/v1/templates/"+id,
		`{"message_template":{"name":"promo","content":"Sale ends today","buttons":"[]"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Sale ends today", out["message_template"].(map[string]any)["content"])

	resp, out = f.do(t, http.MethodGet, "/api/v1/templates/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Sale ends today", out["message_template"].(map[string]any)["content"])

	resp, _ = f.do(t, http.MethodPut, "/api/v1/templates/nope", `{"message_template":{"name":"x","content":"y"}}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/templates", `{"message_template":{"name":"x","content":"y","parse_mode":"rtf"}}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/templates", `{"message_template":{"name":"x","content":"y","buttons":{"text":1}}}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/templates/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
