package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/delivery"
	"github.com/shutterdesk/autoresponder/internal/dispatch"
	"github.com/shutterdesk/autoresponder/internal/gate"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/store"
	"github.com/shutterdesk/autoresponder/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	items []*inbound.Item
}

func (n *recordingNotifier) Notify(item *inbound.Item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

type testServer struct {
	srv      *Server
	handler  http.Handler
	store    *store.MemoryStore
	email    *delivery.DryRun
	social   *delivery.DryRun
	notifier *recordingNotifier
}

func openPolicy() gate.Policy {
	return gate.Policy{
		Enabled:      true,
		AutoRespond:  true,
		MaxPerDay:    10,
		WorkingHours: gate.WorkingHours{Start: 0, End: 24 * 60, Location: time.UTC},
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig) *testServer {
	t.Helper()
	catalog, err := template.Default()
	require.NoError(t, err)

	ts := &testServer{
		store:    store.NewMemoryStore(),
		email:    delivery.NewDryRun(),
		social:   delivery.NewDryRun(),
		notifier: &recordingNotifier{},
	}
	d, err := dispatch.New(dispatch.Options{
		Store:   ts.store,
		Catalog: catalog,
		Policies: map[inbound.Channel]gate.Policy{
			inbound.ChannelEmail:  openPolicy(),
			inbound.ChannelSocial: openPolicy(),
		},
		Senders: map[inbound.Channel]delivery.Sender{
			inbound.ChannelEmail:  ts.email,
			inbound.ChannelSocial: ts.social,
		},
		Retry: delivery.RetryPolicy{MaxAttempts: 1, Timeout: time.Second},
		Clock: func() time.Time { return fixedNow },
		Rand:  dispatch.NewLockedRand(1),
	})
	require.NoError(t, err)

	ts.srv, err = NewServer(Options{
		Config:     cfg,
		Store:      ts.store,
		Catalog:    catalog,
		Dispatcher: d,
		Notifier:   ts.notifier,
		Clock:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { ts.srv.Shutdown(context.Background()) })
	ts.handler = ts.srv.Handler()
	return ts
}

func defaultServerConfig() config.ServerConfig {
	return config.ServerConfig{Host: "127.0.0.1", Port: 8080, RatePerMin: 600, RateBurst: 100}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

type apiResponse struct {
	Success bool                 `json:"success"`
	Data    json.RawMessage      `json:"data"`
	Error   string               `json:"error"`
	Errors  []inbound.FieldError `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

func weddingInquiry() inbound.Inquiry {
	return inbound.Inquiry{
		Name:    "Sarah Johnson",
		Email:   "Sarah@Example.com ",
		Subject: "Wedding in June",
		Message: "We'd love to book you for our wedding. Are you available?",
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestContactCreate(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())

	rec := ts.do(t, http.MethodPost, "/api/contact", weddingInquiry())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created intakeResponse
	resp := decode(t, rec, &created)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, inbound.StatusNew, created.Status)
	assert.Equal(t, inbound.CategoryBooking, created.Category)
	assert.Equal(t, inbound.SentimentPositive, created.Sentiment)

	item, err := ts.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "sarah@example.com", item.Sender.Handle)
	assert.Equal(t, fixedNow, item.ReceivedAt)
	require.Len(t, ts.notifier.items, 1)
	assert.Equal(t, created.ID, ts.notifier.items[0].ID)
}

func TestContactCreatePreferredDateRaisesBookingPriority(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	q := weddingInquiry()
	q.PreferredDate = "2024-06-08"

	var created intakeResponse
	decode(t, ts.do(t, http.MethodPost, "/api/contact", q), &created)
	assert.Equal(t, inbound.PriorityHigh, created.Priority)
}

func TestContactCreateValidation(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())

	rec := ts.do(t, http.MethodPost, "/api/contact", inbound.Inquiry{Name: "Al", Email: "not-an-email"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode(t, rec, nil)
	assert.False(t, resp.Success)
	fields := map[string]bool{}
	for _, f := range resp.Errors {
		fields[f.Field] = true
	}
	assert.True(t, fields["email"])
	assert.True(t, fields["subject"])
	assert.True(t, fields["message"])
	assert.False(t, fields["name"])
	assert.Empty(t, ts.notifier.items)
}

func TestContactCreateRejectsBadJSON(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	req := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommentCreate(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())

	rec := ts.do(t, http.MethodPost, "/api/social/comments", inbound.Comment{
		Username: "@jane",
		PostID:   "post-1",
		Text:     "Absolutely stunning! 😍",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created intakeResponse
	decode(t, rec, &created)
	assert.Equal(t, inbound.CategoryCompliment, created.Category)

	item, err := ts.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, inbound.ChannelSocial, item.Channel)
	assert.Equal(t, "@jane", item.Sender.Handle)
}

func TestIntakeRateLimit(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{Port: 8080, RatePerMin: 1, RateBurst: 2})

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/contact", weddingInquiry())
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/contact", weddingInquiry())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Another client has its own budget
	rec = ts.do(t, http.MethodPost, "/api/contact", weddingInquiry(), func(r *http.Request) {
		r.RemoteAddr = "198.51.100.7:5555"
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Reads are not limited
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/contact", nil).Code)
}

func seedItems(t *testing.T, ts *testServer) {
	t.Helper()
	names := []string{"Maria Lopez", "adam Brook", "Zoe Park"}
	for i, name := range names {
		it := inbound.NewItem(inbound.ChannelEmail, inbound.Sender{Name: name, Handle: "c@example.com"},
			"Hello", "Question about sessions", fixedNow.Add(time.Duration(i)*time.Minute))
		it.Category, it.Sentiment = inbound.CategoryGeneral, inbound.SentimentNeutral
		if i == 2 {
			it.Priority = inbound.PriorityHigh
		}
		require.NoError(t, ts.store.Create(context.Background(), it))
	}
	c := inbound.NewItem(inbound.ChannelSocial, inbound.Sender{Name: "jane", Handle: "@jane"}, "", "wow", fixedNow)
	c.Category, c.Sentiment = inbound.CategoryCompliment, inbound.SentimentPositive
	require.NoError(t, ts.store.Create(context.Background(), c))
}

func TestContactList(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	seedItems(t, ts)

	var page store.Page
	rec := ts.do(t, http.MethodGet, "/api/contact?sortBy=name&sortOrder=asc&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)

	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "adam Brook", page.Items[0].Sender.Name)
	assert.Equal(t, "Maria Lopez", page.Items[1].Sender.Name)

	decode(t, ts.do(t, http.MethodGet, "/api/contact?priority=high", nil), &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Zoe Park", page.Items[0].Sender.Name)

	decode(t, ts.do(t, http.MethodGet, "/api/contact?search=LOPEZ", nil), &page)
	require.Len(t, page.Items, 1)

	decode(t, ts.do(t, http.MethodGet, "/api/contact?channel=all", nil), &page)
	assert.Equal(t, 4, page.Total)
}

func TestContactListRejectsBadParams(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	for _, qs := range []string{"status=done", "priority=urgent", "sortBy=email", "sortOrder=up", "page=x", "limit=-1", "channel=fax"} {
		rec := ts.do(t, http.MethodGet, "/api/contact?"+qs, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, qs)
	}
}

func TestContactGet(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	var created intakeResponse
	decode(t, ts.do(t, http.MethodPost, "/api/contact", weddingInquiry()), &created)

	var item inbound.Item
	rec := ts.do(t, http.MethodGet, "/api/contact/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &item)
	assert.Equal(t, "Sarah Johnson", item.Sender.Name)

	rec = ts.do(t, http.MethodGet, "/api/contact/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplates(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())

	var all []template.Template
	decode(t, ts.do(t, http.MethodGet, "/api/templates", nil), &all)
	assert.NotEmpty(t, all)

	var social []template.Template
	decode(t, ts.do(t, http.MethodGet, "/api/templates?channel=social", nil), &social)
	for _, tmpl := range social {
		assert.NotEqual(t, inbound.ChannelEmail, tmpl.Channel)
	}
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/templates?channel=sms", nil).Code)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	seedItems(t, ts)

	var stats statsResponse
	decode(t, ts.do(t, http.MethodGet, "/api/stats", nil), &stats)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 4, stats.ByStatus[inbound.StatusNew])
	assert.Equal(t, 3, stats.ByChannel[inbound.ChannelEmail])
	assert.Equal(t, channelToday{Sent: 0, Limit: 10}, stats.Today[inbound.ChannelEmail])
}

// csrfSession fetches a token and returns a mutator that attaches it
func csrfSession(t *testing.T, ts *testServer) func(*http.Request) {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/admin/csrf", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	require.NotEmpty(t, body["token"])
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	return func(r *http.Request) {
		r.Header.Set("X-CSRF-Token", body["token"])
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}
}

func TestAdminRequiresCSRFToken(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	rec := ts.do(t, http.MethodPost, "/api/admin/dispatch", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminDispatchRespondsToInquiry(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	var created intakeResponse
	decode(t, ts.do(t, http.MethodPost, "/api/contact", weddingInquiry()), &created)

	withToken := csrfSession(t, ts)
	rec := ts.do(t, http.MethodPost, "/api/admin/dispatch", nil, withToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job JobView
	decode(t, rec, &job)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, "/api/admin/jobs/"+job.ID, rec.Header().Get("Location"))

	require.Eventually(t, func() bool {
		var v JobView
		decode(t, ts.do(t, http.MethodGet, "/api/admin/jobs/"+job.ID, nil, withToken), &v)
		return v.Status == JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	item, err := ts.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, inbound.StatusResponded, item.Status)
	require.Len(t, ts.email.Sent(), 1)
	assert.Equal(t, "sarah@example.com", ts.email.Sent()[0].To)
	assert.Equal(t, "Re: Wedding in June", ts.email.Sent()[0].Subject)

	var stats statsResponse
	decode(t, ts.do(t, http.MethodGet, "/api/stats", nil), &stats)
	assert.Equal(t, 1, stats.Today[inbound.ChannelEmail].Sent)
}

func TestAdminJobNotFound(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	withToken := csrfSession(t, ts)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/admin/jobs/nope", nil, withToken).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/jobs/nope/cancel", nil, withToken).Code)
}

func TestAdminIgnore(t *testing.T) {
	ts := newTestServer(t, defaultServerConfig())
	withToken := csrfSession(t, ts)

	var comment, inquiry intakeResponse
	decode(t, ts.do(t, http.MethodPost, "/api/social/comments", inbound.Comment{Username: "spammy", Text: "follow back f4f"}), &comment)
	decode(t, ts.do(t, http.MethodPost, "/api/contact", weddingInquiry()), &inquiry)

	rec := ts.do(t, http.MethodPost, "/api/admin/items/"+comment.ID+"/ignore", nil, withToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var item inbound.Item
	decode(t, rec, &item)
	assert.Equal(t, inbound.StatusIgnored, item.Status)

	// Terminal now, and email items cannot be ignored at all
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/admin/items/"+comment.ID+"/ignore", nil, withToken).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/admin/items/"+inquiry.ID+"/ignore", nil, withToken).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/items/missing/ignore", nil, withToken).Code)
}

func TestNewServerRejectsShortCSRFKey(t *testing.T) {
	catalog, err := template.Default()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	d, err := dispatch.New(dispatch.Options{
		Store:    st,
		Catalog:  catalog,
		Policies: map[inbound.Channel]gate.Policy{inbound.ChannelEmail: openPolicy()},
		Senders:  map[inbound.Channel]delivery.Sender{inbound.ChannelEmail: delivery.NewDryRun()},
	})
	require.NoError(t, err)

	_, err = NewServer(Options{Config: config.ServerConfig{CSRFKey: "short"}, Store: st, Catalog: catalog, Dispatcher: d})
	assert.Error(t, err)
	_, err = NewServer(Options{Store: st})
	assert.Error(t, err)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := fixedNow
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(idleLimiterTTL + 2*time.Minute)
	assert.True(t, rl.Allow("b"))
	rl.mu.Lock()
	_, stillThere := rl.visitors["a"]
	rl.mu.Unlock()
	assert.False(t, stillThere)
}

func TestJobManagerSingleActive(t *testing.T) {
	jm := NewJobManager(context.Background())
	first, ok := jm.Start()
	require.True(t, ok)

	again, ok := jm.Start()
	assert.False(t, ok)
	assert.Equal(t, first.ID, again.ID)

	first.Cancel()
	assert.Error(t, first.Context().Err())
	first.Finish(dispatch.PassSummary{}, context.Canceled)
	<-first.Done()
	assert.Equal(t, JobStatusCancelled, first.View().Status)

	_, ok = jm.Start()
	assert.True(t, ok)
}
