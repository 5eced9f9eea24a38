package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/db"
	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/migrate"
)

type recordingSink struct {
	name   string
	filter eventFilter
	fail   error
	mu     sync.Mutex
	got    []domain.Event
}

func (s *recordingSink) Name() string                { return s.name }
func (s *recordingSink) Accepts(evtType string) bool { return s.filter.match(evtType) }
func (s *recordingSink) Deliver(_ context.Context, evt domain.Event) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, evt)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.got {
		out = append(out, e.Type)
	}
	return out
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return engine.New(conn, db.SQLite, config.Default())
}

// future ages every event past the visibility lag.
func future() time.Time { return time.Now().Add(time.Minute) }

func issue(t *testing.T, eng engine.Engine, code string) {
	t.Helper()
	_, err := eng.IssueToken(context.Background(), engine.TokenIssueOptions{Code: code, Category: domain.CategoryOrganic, Weight: decimal.NewFromInt(10)})
	require.NoError(t, err)
}

func TestDispatcherStartsAtNewestAndResumes(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	issue(t, eng, "100001")

	sink := &recordingSink{name: "test", filter: newEventFilter(nil)}
	d := New(eng.Repo, sink).WithClock(future)
	d.DispatchOnce(ctx)
	assert.Empty(t, sink.types(), "history before the first run is skipped")

	_, err := eng.RegisterRedemption(ctx, "company-a", "100001")
	require.NoError(t, err)
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"token.redeemed", "record.validated"}, sink.types())

	// a fresh dispatcher reads the stored cursor
	again := &recordingSink{name: "test", filter: newEventFilter(nil)}
	New(eng.Repo, again).WithClock(future).DispatchOnce(ctx)
	assert.Empty(t, again.types())
}

func TestDispatcherFiltersAndRetries(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	sink := &recordingSink{name: "filtered", filter: newEventFilter([]string{"token.issued"}), fail: errors.New("down")}
	d := New(eng.Repo, sink).WithClock(future)
	d.DispatchOnce(ctx)

	issue(t, eng, "200001")
	d.DispatchOnce(ctx)
	assert.Empty(t, sink.types())
	cur, err := eng.Repo.GetCursor(ctx, "filtered")
	require.NoError(t, err)
	assert.Zero(t, cur)

	sink.fail = nil
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"token.issued"}, sink.types())
}

func insertEvent(t *testing.T, eng engine.Engine, id int64, ts time.Time, evtType string) {
	t.Helper()
	_, err := eng.DB.Exec(`INSERT INTO events(id, ts, type, entity_kind, entity_id, actor_id, payload_json) VALUES (?,?,?,?,?,?,?)`,
		id, domain.FormatTime(ts), evtType, "lot", "l1", "operator", "{}")
	require.NoError(t, err)
}

func TestDispatcherWaitsForLateCommits(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sink := &recordingSink{name: "lagged", filter: newEventFilter(nil)}
	d := New(eng.Repo, sink).WithLag(5 * time.Second).WithClock(func() time.Time { return now })
	d.DispatchOnce(ctx)

	// id 11 commits first while the transaction holding id 10 is still open
	insertEvent(t, eng, 11, base, "lot.settled")
	now = base.Add(time.Second)
	d.DispatchOnce(ctx)
	assert.Empty(t, sink.types())
	cur, err := eng.Repo.GetCursor(ctx, "lagged")
	require.NoError(t, err)
	assert.Zero(t, cur)

	insertEvent(t, eng, 10, base, "lot.created")
	now = base.Add(10 * time.Second)
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"lot.created", "lot.settled"}, sink.types())
	cur, err = eng.Repo.GetCursor(ctx, "lagged")
	require.NoError(t, err)
	assert.Equal(t, int64(11), cur)
}

func TestDispatcherStopsAtFirstRecentEvent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{name: "ordered", filter: newEventFilter(nil)}
	d := New(eng.Repo, sink).WithLag(5 * time.Second).WithClock(func() time.Time { return base.Add(6 * time.Second) })
	d.DispatchOnce(ctx)

	insertEvent(t, eng, 1, base, "token.issued")
	insertEvent(t, eng, 2, base.Add(3*time.Second), "token.redeemed")
	insertEvent(t, eng, 3, base, "record.validated")
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"token.issued"}, sink.types())
}

func TestWebhookSinkPosts(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Secret: "shh", Events: []string{"lot.settled"}})
	assert.True(t, sink.Accepts("lot.settled"))
	assert.False(t, sink.Accepts("token.issued"))

	err := sink.Deliver(context.Background(), domain.Event{ID: 7, Type: "lot.settled", EntityKind: "lot", EntityID: "l1", Payload: `{"amount_paid":"100"}`})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "lot.settled", headers.Get("X-Lix-Event"))
	assert.Equal(t, "7", headers.Get("X-Lix-Delivery"))
	assert.Equal(t, "shh", headers.Get("X-Lix-Secret"))
	assert.Equal(t, "l1", body.EntityID)
	assert.JSONEq(t, `{"amount_paid":"100"}`, string(body.Payload))
}

func TestWebhookSinkNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookSink(config.WebhookConfig{URL: srv.URL}).Deliver(context.Background(), domain.Event{ID: 1, Type: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestWebhookSinksSkipsDisabled(t *testing.T) {
	off := false
	sinks := WebhookSinks([]config.WebhookConfig{
		{URL: "http://a.example"},
		{URL: "http://b.example", Enabled: &off},
		{URL: " "},
	})
	require.Len(t, sinks, 1)
	assert.Equal(t, "webhook:http://a.example", sinks[0].Name())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "lixcarbon.lot.settled", Subject("lixcarbon", "lot.settled"))
	assert.Equal(t, "lix.token.issued", Subject("lix.", "token.issued"))
}

func TestEncodeKeepsInvalidPayloadRaw(t *testing.T) {
	data, err := encode(domain.Event{ID: 1, Type: "x", Payload: "not json"})
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "not json", env.PayloadRaw)
	assert.JSONEq(t, "{}", string(env.Payload))
}
