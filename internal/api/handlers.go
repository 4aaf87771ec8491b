package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"halftimebot/internal/domain"
	"halftimebot/internal/driver"
	"halftimebot/internal/eventbus"
	logx "halftimebot/pkg/logx"
)

type Discoverer interface {
	Discover(ctx context.Context) (driver.Report, error)
	Last() (driver.Report, bool)
}

type CatalogView interface {
	List() []domain.Event
	ResolvedAt() time.Time
}

type JobsView interface {
	Jobs() []domain.MilestoneJob
}

type PropsFeed interface {
	PlayerProps(ctx context.Context, catalogID string) (*domain.GameProps, error)
}

type StatsFeed interface {
	PlayerStats(ctx context.Context, gameID int) ([]domain.PlayerStatLine, error)
}

type PicksReader interface {
	ListPicks(ctx context.Context, f domain.PickFilter) ([]domain.PickRecord, error)
}

type SnapshotsView interface {
	List() []domain.AggregatedGame
}

// Deps are the read and trigger surfaces the routes expose. Nil members
// make their routes answer 503.
type Deps struct {
	Discover  Discoverer
	Catalog   CatalogView
	Jobs      JobsView
	Props     PropsFeed
	Stats     StatsFeed
	Picks     PicksReader
	Snapshots SnapshotsView
}

const maxPicksLimit = 500

type handlers struct {
	deps Deps
	hub  *Hub
	log  logx.Logger
	up   websocket.Upgrader
}

// NewHandler builds the router: legacy /nba routes, /api inspection and
// trigger routes, and the /ws event stream.
func NewHandler(deps Deps, hub *Hub, origins []string, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{
		deps: deps,
		hub:  hub,
		log:  log,
		up: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}

	r := mux.NewRouter()
	nba := r.PathPrefix("/nba").Subrouter()
	nba.HandleFunc("/games", h.games).Methods(http.MethodGet)
	nba.HandleFunc("/odds/{id}", h.odds).Methods(http.MethodGet)
	nba.HandleFunc("/stats/{id}", h.stats).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	api.HandleFunc("/discover", h.discover).Methods(http.MethodPost)
	api.HandleFunc("/catalog", h.catalog).Methods(http.MethodGet)
	api.HandleFunc("/jobs", h.jobs).Methods(http.MethodGet)
	api.HandleFunc("/picks", h.picks).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", h.snapshots).Methods(http.MethodGet)

	r.HandleFunc("/ws", h.ws)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// games resolves the catalog now and returns the merged events.
func (h *handlers) games(w http.ResponseWriter, r *http.Request) {
	if h.deps.Discover == nil {
		h.unavailable(w)
		return
	}
	rep, err := h.deps.Discover.Discover(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	events := rep.Events
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) odds(w http.ResponseWriter, r *http.Request) {
	if h.deps.Props == nil {
		h.unavailable(w)
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	props, err := h.deps.Props.PlayerProps(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound), err == nil && (props == nil || len(props.Bets) == 0):
		writeError(w, http.StatusNotFound, "no odds for event "+id)
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, props)
	}
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stats == nil {
		h.unavailable(w)
		return
	}
	raw := mux.Vars(r)["id"]
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid game id "+strconv.Quote(raw))
		return
	}
	stats, err := h.deps.Stats.PlayerStats(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound), err == nil && len(stats) == 0:
		writeError(w, http.StatusNotFound, "no stats for game "+raw)
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	if h.deps.Discover == nil {
		h.unavailable(w)
		return
	}
	rep, err := h.deps.Discover.Discover(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) catalog(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		h.unavailable(w)
		return
	}
	out := struct {
		ResolvedAt *time.Time     `json:"resolved_at"`
		Events     []domain.Event `json:"events"`
	}{Events: h.deps.Catalog.List()}
	if at := h.deps.Catalog.ResolvedAt(); !at.IsZero() {
		out.ResolvedAt = &at
	}
	if out.Events == nil {
		out.Events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) jobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		h.unavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Jobs.Jobs())
}

func (h *handlers) picks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Picks == nil {
		h.unavailable(w)
		return
	}
	q := r.URL.Query()
	f := domain.PickFilter{GameLabel: q.Get("game"), Date: q.Get("date"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxPicksLimit)
	}
	recs, err := h.deps.Picks.ListPicks(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.PickRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) snapshots(w http.ResponseWriter, r *http.Request) {
	if h.deps.Snapshots == nil {
		h.unavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Snapshots.List())
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "time": time.Now().Unix()}
	if h.deps.Catalog != nil {
		out["events"] = len(h.deps.Catalog.List())
	}
	if h.deps.Jobs != nil {
		live := 0
		for _, j := range h.deps.Jobs.Jobs() {
			if !j.Status.Terminal() {
				live++
			}
		}
		out["live_jobs"] = live
	}
	if h.deps.Discover != nil {
		if rep, ok := h.deps.Discover.Last(); ok {
			out["last_discovery"] = map[string]any{"run_id": rep.RunID, "at": rep.At, "events": len(rep.Events), "error": rep.Error}
		}
	}
	if h.hub != nil {
		out["ws_clients"] = h.hub.Clients()
		out["events_missed"] = eventbus.Missed(h.hub.bus)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) ws(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.unavailable(w)
		return
	}
	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	h.hub.serve(conn)
}

// fail maps a component error to a 5xx. The body carries the error only,
// never partial data.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	h.log.Warn("request failed", logx.String("path", r.URL.Path), logx.Int("status", status), logx.Err(err))
	writeError(w, status, err.Error())
}

func (h *handlers) unavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, "not configured")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	// Encode fully before writing so an encoding failure can still be a 500.
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || allowed["*"] || allowed[o]
	}
}
