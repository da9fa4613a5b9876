package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/room"
	"github.com/rebel47/StudySync/internal/stats"
	"github.com/rebel47/StudySync/internal/timer"
)

// Room creation limits per client address.
const (
	createCooldown = 5 * time.Minute
	createsPerHour = 3
)

// Handler exposes the room protocol to browser clients: WebSocket
// endpoints that attach a session per connection, plus small JSON
// lookups.
type Handler struct {
	manager    *ConnectionManager
	tr         room.Transport
	clock      clockwork.Clock
	sessionCfg room.Config
	stats      *stats.Store

	limiter createLimiter
}

// NewHandler creates the gateway handler. The stats store may be nil.
func NewHandler(manager *ConnectionManager, tr room.Transport, clock clockwork.Clock, sessionCfg room.Config, st *stats.Store) *Handler {
	return &Handler{
		manager:    manager,
		tr:         tr,
		clock:      clock,
		sessionCfg: sessionCfg,
		stats:      st,
		limiter:    createLimiter{clock: clock, byIP: make(map[string][]time.Time)},
	}
}

// RegisterRoutes registers the gateway routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/create", h.HandleCreate)
	mux.HandleFunc("/ws/join", h.HandleJoin)
	mux.HandleFunc("/room", h.HandleLookup)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/connections", h.HandleConnectionStats)
}

// HandleCreate upgrades the connection and creates a fresh room with the
// caller as host.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.allow(clientIP(r)) {
		http.Error(w, "room creation limit reached, try again later", http.StatusTooManyRequests)
		return
	}
	h.attach(w, r, "")
}

// HandleJoin upgrades the connection and joins an existing room.
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	code := room.NormalizeCode(r.URL.Query().Get("code"))
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}
	h.attach(w, r, code)
}

// attach runs the shared upgrade-then-create-or-join path. An empty code
// means create.
func (h *Handler) attach(w http.ResponseWriter, r *http.Request, code string) {
	name := r.URL.Query().Get("name")

	conn, err := h.manager.Upgrade(w, r)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	sess := room.NewSession(h.tr, h.clock, h.sessionCfg, h.sessionEvents(conn))
	conn.Session = sess

	ctx := r.Context()
	if code == "" {
		code, err = sess.Create(ctx, name)
	} else {
		err = sess.Join(ctx, code, name)
	}
	if err != nil {
		msg := "could not enter room"
		if errors.Is(err, room.ErrRoomNotFound) {
			msg = "room not found"
		}
		// The pumps never start on this path; write the error directly.
		conn.Conn.WriteJSON(conn.NewEvent(EventTypeError, ErrorPayload{Message: msg}))
		conn.Conn.Close()
		return
	}

	conn.RoomID = code
	h.manager.Register(conn)

	local := sess.Local()
	conn.SendEvent(conn.NewEvent(EventTypeJoined, JoinedPayload{
		RoomID:      code,
		Participant: local,
		IsHost:      local.IsHost,
		Timer:       sess.TimerSnapshot(),
		Peers:       sess.Participants(),
	}))
}

// sessionEvents bridges session callbacks onto the connection's send
// queue. Callbacks must not block, and SendEvent never does.
func (h *Handler) sessionEvents(conn *Connection) room.Events {
	return room.Events{
		OnPresenceChanged: func(participants []presence.Participant) {
			conn.SendEvent(conn.NewEvent(EventTypePresence, PresencePayload{Participants: participants}))
		},
		OnHostChanged: func(hostID string, local bool) {
			conn.SendEvent(conn.NewEvent(EventTypeHostChanged, HostChangedPayload{HostID: hostID, IsYou: local}))
		},
		OnTimerSynced: func(snap timer.Snapshot) {
			conn.SendEvent(conn.NewEvent(EventTypeTimerSynced, snap))
		},
		OnChatMessage: func(msg room.ChatMessage) {
			conn.SendEvent(conn.NewEvent(EventTypeChatMessage, msg))
		},
		OnConnectivityChanged: func(connected bool) {
			conn.SendEvent(conn.NewEvent(EventTypeConnectivity, ConnectivityPayload{Connected: connected}))
		},
		OnCompletion: func(c timer.Completion) {
			conn.SendEvent(conn.NewEvent(EventTypeCompleted, CompletedPayload{
				Mode:        c.Mode,
				FocusCount:  c.FocusCount,
				CompletedAt: c.CompletedAt,
			}))
			h.recordCompletion(conn, c)
		},
	}
}

// recordCompletion persists one finished interval for this participant.
func (h *Handler) recordCompletion(conn *Connection, c timer.Completion) {
	if h.stats == nil || conn.Session == nil {
		return
	}
	rec := &stats.SessionRecord{
		ParticipantName: conn.Session.Local().DisplayName,
		RoomID:          conn.RoomID,
		Mode:            string(c.Mode),
		DurationSeconds: int(c.Duration / time.Second),
		CompletedAt:     c.CompletedAt,
	}
	if err := h.stats.Record(rec); err != nil {
		log.Warn().Err(err).Msg("failed to record completed session")
	}
}

// HandleLookup answers "does this room exist" before a client commits to
// joining.
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	code := room.NormalizeCode(r.URL.Query().Get("code"))
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	rec, err := h.tr.GetRoom(r.Context(), code)
	if errors.Is(err, room.ErrRoomNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "transport unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]any{
		"id":           rec.ID,
		"created_at":   rec.CreatedAt,
		"participants": len(rec.Participants),
		"timer":        rec.Timer,
	})
}

// HandleStats returns a participant's focus history summary.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		http.Error(w, "stats disabled", http.StatusNotFound)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	summary, err := h.stats.Summarize(name)
	if errors.Is(err, stats.ErrNoSessions) {
		http.Error(w, "no recorded sessions", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("stats query failed")
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

// HandleConnectionStats returns counts of active connections.
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, rooms := h.manager.Stats()
	writeJSON(w, map[string]any{
		"total_connections": total,
		"active_rooms":      len(rooms),
		"room_connections":  rooms,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func timerMode(s string) timer.Mode {
	switch timer.Mode(s) {
	case timer.ModeShortBreak, timer.ModeLongBreak, timer.ModeCustom:
		return timer.Mode(s)
	default:
		return timer.ModeFocus
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// createLimiter enforces the per-creator room limits: a cooldown between
// rooms and a cap per hour.
type createLimiter struct {
	clock clockwork.Clock
	mu    sync.Mutex
	byIP  map[string][]time.Time
}

func (l *createLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	recent := l.byIP[ip][:0]
	for _, t := range l.byIP[ip] {
		if now.Sub(t) < time.Hour {
			recent = append(recent, t)
		}
	}

	if len(recent) >= createsPerHour {
		l.byIP[ip] = recent
		return false
	}
	if n := len(recent); n > 0 && now.Sub(recent[n-1]) < createCooldown {
		l.byIP[ip] = recent
		return false
	}

	l.byIP[ip] = append(recent, now)
	return true
}
