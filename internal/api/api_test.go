package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/catalog"
	"halftimebot/internal/domain"
	"halftimebot/internal/driver"
	"halftimebot/internal/eventbus"
	logx "halftimebot/pkg/logx"
)

type fakeDiscoverer struct {
	rep   driver.Report
	err   error
	calls int
}

func (f *fakeDiscoverer) Discover(ctx context.Context) (driver.Report, error) {
	f.calls++
	return f.rep, f.err
}

func (f *fakeDiscoverer) Last() (driver.Report, bool) { return f.rep, f.calls > 0 }

type fakeFeeds struct {
	props map[string]*domain.GameProps
	stats map[int][]domain.PlayerStatLine
	err   error
}

func (f *fakeFeeds) PlayerProps(ctx context.Context, id string) (*domain.GameProps, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.props[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeFeeds) PlayerStats(ctx context.Context, id int) ([]domain.PlayerStatLine, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats[id], nil
}

type fakePicks struct {
	got  domain.PickFilter
	recs []domain.PickRecord
	err  error
}

func (f *fakePicks) ListPicks(ctx context.Context, flt domain.PickFilter) ([]domain.PickRecord, error) {
	f.got = flt
	return f.recs, f.err
}

var sample = domain.Event{CatalogID: "abc", OracleID: 7, Home: domain.TeamRef{Name: "A"}, Away: domain.TeamRef{Name: "B"}, LocalDate: "2024-03-01", LocalTime: "19:30"}

func newServer(t *testing.T, deps Deps, bus eventbus.Bus) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(NewHandler(deps, hub, nil, logx.Nop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, hub
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestGamesRunsDiscovery(t *testing.T) {
	d := &fakeDiscoverer{rep: driver.Report{RunID: "r1", Events: []domain.Event{sample}}}
	srv, _ := newServer(t, Deps{Discover: d}, nil)

	resp, body := get(t, srv.URL+"/nba/games")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []domain.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "abc", events[0].CatalogID)
	assert.Equal(t, 1, d.calls)
}

func TestGamesUpstreamFailureIs500WithoutData(t *testing.T) {
	d := &fakeDiscoverer{
		rep: driver.Report{Events: []domain.Event{sample}},
		err: &domain.UpstreamError{Source: "odds", Op: "events", Err: errors.New("boom")},
	}
	srv, _ := newServer(t, Deps{Discover: d}, nil)

	resp, body := get(t, srv.URL+"/nba/games")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Contains(t, out, "error")
	assert.NotContains(t, string(body), "abc")
}

func TestOddsAndStatsNotFound(t *testing.T) {
	feeds := &fakeFeeds{
		props: map[string]*domain.GameProps{"abc": {CatalogID: "abc", Bookmaker: "draftkings", Bets: []domain.PropBet{{Player: "P", Side: "Over", Price: -110, Point: 19.5}}}},
		stats: map[int][]domain.PlayerStatLine{7: {{PlayerName: "P", Points: 18}}},
	}
	srv, _ := newServer(t, Deps{Props: feeds, Stats: feeds}, nil)

	resp, body := get(t, srv.URL+"/nba/odds/abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var props domain.GameProps
	require.NoError(t, json.Unmarshal(body, &props))
	assert.Len(t, props.Bets, 1)

	resp, _ = get(t, srv.URL+"/nba/odds/zzz")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, srv.URL+"/nba/stats/7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"P"`)

	resp, _ = get(t, srv.URL+"/nba/stats/8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/nba/stats/x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	feeds.err = &domain.UpstreamError{Source: "nba", Op: "players", Err: errors.New("timeout")}
	resp, _ = get(t, srv.URL+"/nba/stats/7")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDiscoverRequiresPost(t *testing.T) {
	d := &fakeDiscoverer{rep: driver.Report{RunID: "r1"}}
	srv, _ := newServer(t, Deps{Discover: d}, nil)

	resp, _ := get(t, srv.URL+"/api/discover")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/api/discover", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rep driver.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, "r1", rep.RunID)
}

func TestCatalogPicksAndHealth(t *testing.T) {
	cat := catalog.NewCatalog()
	cat.Replace([]domain.Event{sample}, time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC))
	picks := &fakePicks{recs: []domain.PickRecord{{ID: 1, GameLabel: "B @ A", Player: "P"}}}
	srv, _ := newServer(t, Deps{Catalog: cat, Picks: picks}, nil)

	resp, body := get(t, srv.URL+"/api/catalog")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"resolved_at":"2024-03-01T23:00:00Z"`)

	resp, body = get(t, srv.URL+"/api/picks?game=B%20%40%20A&date=2024-03-01&limit=5000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.PickFilter{GameLabel: "B @ A", Date: "2024-03-01", Limit: maxPicksLimit}, picks.got)
	assert.Contains(t, string(body), `"player":"P"`)

	picks.err = domain.ErrPersistenceUnavailable
	resp, _ = get(t, srv.URL+"/api/picks")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, body = get(t, srv.URL+"/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"events":1`)

	resp, _ = get(t, srv.URL+"/api/jobs")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebsocketStreamsBusEvents(t *testing.T) {
	bus := eventbus.New()
	srv, hub := newServer(t, Deps{}, bus)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	eventbus.Publish(bus, eventbus.TypeMilestoneFired, map[string]string{"key": "check-halftime-7"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, eventbus.TypeMilestoneFired, ev.Type)
	assert.Equal(t, "check-halftime-7", ev.Data["key"])
}

func TestServiceServesOnConfiguredAddr(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, nil, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	resp, _ := get(t, "http://"+s.Addr()+"/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
