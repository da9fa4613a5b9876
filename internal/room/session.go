package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rebel47/StudySync/internal/election"
	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/timer"
)

// Action is a host-gated timer control.
type Action string

const (
	ActionStart   Action = "start"
	ActionPause   Action = "pause"
	ActionReset   Action = "reset"
	ActionSetMode Action = "set_mode"
)

// TimerAction carries one timer control request.
type TimerAction struct {
	Action           Action
	Mode             timer.Mode
	DurationOverride time.Duration
}

// Events is the surface a session exposes upward to the UI and chat
// collaborators. All callbacks are optional and must not block; they are
// invoked with the session lock held.
type Events struct {
	OnPresenceChanged     func(participants []presence.Participant)
	OnHostChanged         func(hostID string, local bool)
	OnTimerSynced         func(snap timer.Snapshot)
	OnChatMessage         func(msg ChatMessage)
	OnConnectivityChanged func(connected bool)
	OnCompletion          func(c timer.Completion)
}

// Config holds the protocol intervals. The staleness timeout must be a
// small multiple of the heartbeat interval or normal network jitter
// triggers false eviction.
type Config struct {
	HeartbeatInterval time.Duration
	StalenessTimeout  time.Duration
	SweepInterval     time.Duration
	TickInterval      time.Duration
	Timer             timer.Config
}

// DefaultConfig returns the standard protocol intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		StalenessTimeout:  15 * time.Second,
		SweepInterval:     5 * time.Second,
		TickInterval:      time.Second,
		Timer:             timer.DefaultConfig(),
	}
}

// Session wires one participant into a live room: it owns the local
// identity, dispatches transport events to the presence tracker and timer
// engine, runs the heartbeat/sweep/tick loops, and releases everything on
// Leave.
type Session struct {
	cfg    Config
	clock  clockwork.Clock
	tr     Transport
	events Events

	mu        sync.Mutex
	roomID    string
	local     presence.Participant
	tracker   *presence.Tracker
	engine    *timer.Engine
	limiter   ChatLimiter
	unsub     Unsubscribe
	cancel    context.CancelFunc
	loopDone  chan struct{}
	connected bool
	started   bool
	closed    bool

	lastHostID string
}

// NewSession creates an unattached session. Call Create or Join next.
func NewSession(tr Transport, clock clockwork.Clock, cfg Config, events Events) *Session {
	return &Session{
		cfg:     cfg,
		clock:   clock,
		tr:      tr,
		events:  events,
		tracker: presence.NewTracker(),
		engine:  timer.NewEngine(cfg.Timer),
	}
}

// Create publishes a fresh room with the local participant as host and
// returns the room code.
func (s *Session) Create(ctx context.Context, displayName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return "", ErrSessionClosed
	}

	now := s.tr.Now()
	code := NewCode()
	s.local = presence.Participant{
		ID:          uuid.NewString(),
		DisplayName: CleanDisplayName(displayName),
		IsHost:      true,
		JoinedAt:    now,
		LastSeenAt:  now,
	}

	rec := Room{
		ID:           code,
		CreatedAt:    now,
		ExpiresAt:    now.Add(TTL),
		HostID:       s.local.ID,
		Participants: map[string]presence.Participant{s.local.ID: s.local},
		Timer:        s.engine.Snapshot(),
	}
	if err := s.tr.SetRoom(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: create room: %v", ErrTransportUnavailable, err)
	}

	s.roomID = code
	s.lastHostID = s.local.ID
	s.tracker.RecordJoin(s.local)
	if err := s.attach(); err != nil {
		return "", err
	}

	log.Info().
		Str("room_id", code).
		Str("participant_id", s.local.ID).
		Msg("room created")
	return code, nil
}

// Join attaches the local participant to an existing room as a non-host.
// Returns ErrRoomNotFound for unknown or expired codes.
func (s *Session) Join(ctx context.Context, code, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return ErrSessionClosed
	}

	code = NormalizeCode(code)
	rec, err := s.tr.GetRoom(ctx, code)
	if err != nil {
		return err
	}

	now := s.tr.Now()
	s.local = presence.Participant{
		ID:          uuid.NewString(),
		DisplayName: CleanDisplayName(displayName),
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	if err := s.tr.SetParticipant(ctx, code, s.local); err != nil {
		return fmt.Errorf("%w: announce presence: %v", ErrTransportUnavailable, err)
	}

	s.roomID = code
	s.lastHostID = rec.HostID
	for _, p := range rec.Participants {
		s.tracker.RecordJoin(p)
	}
	s.tracker.RecordJoin(s.local)
	s.engine.ApplySnapshot(rec.Timer, now)

	if err := s.attach(); err != nil {
		return err
	}

	log.Info().
		Str("room_id", code).
		Str("participant_id", s.local.ID).
		Str("name", s.local.DisplayName).
		Msg("joined room")
	return nil
}

// attach subscribes to transport events and starts the periodic loops.
// The subscription is bound to the session's own context, not the
// caller's: the request that opened the session ends long before the
// session does. Caller holds s.mu.
func (s *Session) attach() error {
	loopCtx, cancel := context.WithCancel(context.Background())
	unsub, err := s.tr.Subscribe(loopCtx, s.roomID, Handlers{
		OnTimerChanged:        s.onTimerChanged,
		OnParticipantsChanged: s.onParticipantsChanged,
		OnChatMessage:         s.onChatMessage,
		OnRoomDeleted:         s.onRoomDeleted,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: subscribe: %v", ErrTransportUnavailable, err)
	}
	s.unsub = unsub
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.connected = true
	s.started = true
	go s.run(loopCtx)
	return nil
}

// run drives the heartbeat, sweep, and tick loops until the session is
// torn down. All state mutation goes through s.mu, keeping the protocol
// cooperative with the transport callbacks.
func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)

	heartbeat := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := s.clock.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	tick := s.clock.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.Chan():
			s.heartbeat(ctx)
		case <-sweep.Chan():
			s.sweep(ctx)
		case <-tick.Chan():
			s.tick(ctx)
		}
	}
}

// heartbeat republishes the local participant record with a fresh
// LastSeenAt. A failed publish only marks the session disconnected; the
// next beat is the retry. While hosting a running timer, the heartbeat
// also republishes the snapshot so late joiners and drifted replicas
// reconcile every few seconds.
func (s *Session) heartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.local.LastSeenAt = s.tr.Now()
	s.tracker.RecordJoin(s.local)

	err := s.tr.SetParticipant(ctx, s.roomID, s.local)
	s.noteConnectivity(err)
	if err != nil {
		log.Warn().Err(err).Str("room_id", s.roomID).Msg("heartbeat failed")
		return
	}

	if s.local.IsHost && s.engine.State() == timer.StateRunning {
		s.publishTimer(ctx)
	}
}

// sweep evicts stale participants and re-evaluates the host role. The
// eviction is also published so the shared record converges; otherwise
// the next presence echo would hand the stale record straight back.
func (s *Session) sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	evicted := s.tracker.SweepStale(s.tr.Now(), s.cfg.StalenessTimeout)
	if len(evicted) == 0 {
		return
	}
	for _, p := range evicted {
		log.Info().
			Str("room_id", s.roomID).
			Str("participant_id", p.ID).
			Str("name", p.DisplayName).
			Msg("participant timed out")
		if p.ID == s.local.ID {
			continue
		}
		if err := s.tr.RemoveParticipant(ctx, s.roomID, p.ID); err != nil {
			log.Warn().Err(err).
				Str("room_id", s.roomID).
				Str("participant_id", p.ID).
				Msg("eviction publish failed")
		}
	}
	s.evaluateHost(ctx)
	s.emitPresence()
}

// tick advances the local countdown. Only the host publishes the
// resulting state; non-hosts tick purely for display.
func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	wasRunning := s.engine.State() == timer.StateRunning
	comp := s.engine.Tick(s.tr.Now())
	if !wasRunning && comp == nil {
		return
	}

	if s.events.OnTimerSynced != nil {
		s.events.OnTimerSynced(s.engine.Snapshot())
	}

	if comp == nil {
		return
	}
	if s.events.OnCompletion != nil {
		s.events.OnCompletion(*comp)
	}
	if s.local.IsHost {
		s.publishTimer(ctx)
		s.publishSystemChat(ctx, completionText(comp.Mode))
	}
}

func completionText(m timer.Mode) string {
	if m.IsBreak() {
		return "Break finished! Back to work."
	}
	return "Focus session complete! Great work!"
}

// PublishTimerAction applies a host-gated timer control. The action takes
// effect locally first; the snapshot broadcast is best-effort and retried
// by the heartbeat cycle if it fails. Non-hosts receive
// ErrPermissionDenied and no state changes.
func (s *Session) PublishTimerAction(ctx context.Context, act TimerAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.local.IsHost {
		return ErrPermissionDenied
	}

	now := s.tr.Now()
	switch act.Action {
	case ActionStart:
		s.engine.Start(now)
	case ActionPause:
		s.engine.Pause(now)
	case ActionReset:
		s.engine.Reset()
	case ActionSetMode:
		s.engine.SetMode(act.Mode, act.DurationOverride)
	default:
		return fmt.Errorf("unknown timer action %q", act.Action)
	}

	if s.events.OnTimerSynced != nil {
		s.events.OnTimerSynced(s.engine.Snapshot())
	}
	s.publishTimer(ctx)
	return nil
}

// publishTimer broadcasts the current snapshot. Caller holds s.mu.
func (s *Session) publishTimer(ctx context.Context) {
	err := s.tr.UpdateTimer(ctx, s.roomID, s.engine.Snapshot())
	s.noteConnectivity(err)
	if err != nil {
		log.Warn().Err(err).Str("room_id", s.roomID).Msg("timer broadcast failed")
	}
}

// publishSystemChat appends a system-sender message. Caller holds s.mu.
func (s *Session) publishSystemChat(ctx context.Context, text string) {
	msg := ChatMessage{
		ID:         uuid.NewString(),
		SenderName: "system",
		Text:       text,
		SentAt:     s.tr.Now(),
		System:     true,
	}
	if err := s.tr.AppendChatMessage(ctx, s.roomID, msg); err != nil {
		log.Warn().Err(err).Str("room_id", s.roomID).Msg("system chat publish failed")
	}
}

// SendChat sanitizes, rate-limits, and publishes a chat message.
func (s *Session) SendChat(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	text = SanitizeMessage(text)
	if text == "" {
		return nil
	}
	now := s.tr.Now()
	if !s.limiter.Allow(now) {
		return ErrChatRateLimited
	}

	msg := ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   s.local.ID,
		SenderName: s.local.DisplayName,
		Text:       text,
		SentAt:     now,
	}
	if err := s.tr.AppendChatMessage(ctx, s.roomID, msg); err != nil {
		s.noteConnectivity(err)
		return fmt.Errorf("%w: send chat: %v", ErrTransportUnavailable, err)
	}
	s.limiter.Record(now)
	return nil
}

// Leave removes the local participant and releases every subscription and
// loop. If we were host, no hand-off is negotiated: departure is just
// another presence change and the remaining peers elect a successor on
// their next sweep.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	if s.cancel != nil {
		s.cancel()
	}
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	roomID, localID := s.roomID, s.local.ID
	s.mu.Unlock()

	if !started {
		return
	}
	<-s.loopDone

	if err := s.tr.RemoveParticipant(ctx, roomID, localID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("leave publish failed")
	}
	log.Info().Str("room_id", roomID).Str("participant_id", localID).Msg("left room")
}

// Transport event handlers.

func (s *Session) onTimerChanged(snap timer.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// The host is the source of truth and ignores echoes of its own
	// writes; a stale host's write is overwritten on our next broadcast.
	if s.local.IsHost {
		return
	}
	s.engine.ApplySnapshot(snap, s.tr.Now())
	if s.events.OnTimerSynced != nil {
		s.events.OnTimerSynced(s.engine.Snapshot())
	}
}

func (s *Session) onParticipantsChanged(parts map[string]presence.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	rebuilt := presence.NewTracker()
	for _, p := range parts {
		rebuilt.RecordJoin(p)
	}
	// An echo can carry a record this replica already evicted. Filter by
	// staleness again so a crashed host's leftover record cannot demote
	// the survivor that took over.
	rebuilt.SweepStale(s.tr.Now(), s.cfg.StalenessTimeout)
	// Our own record is single-writer: the local copy is authoritative
	// over whatever the transport echoed back.
	rebuilt.RecordJoin(s.local)
	s.tracker = rebuilt

	s.evaluateHost(context.Background())
	s.emitPresence()
}

func (s *Session) onChatMessage(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.events.OnChatMessage != nil {
		s.events.OnChatMessage(msg)
	}
}

func (s *Session) onRoomDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	log.Info().Str("room_id", s.roomID).Msg("room deleted by transport")
	if s.connected {
		s.connected = false
		if s.events.OnConnectivityChanged != nil {
			s.events.OnConnectivityChanged(false)
		}
	}
}

// evaluateHost applies the election rules to the current presence view.
// Promotion is local-then-broadcast: if the broadcast fails the heartbeat
// republishes the record, so the claim is never lost. Caller holds s.mu.
func (s *Session) evaluateHost(ctx context.Context) {
	if election.ShouldDemote(s.tracker, s.local.ID) {
		s.local.IsHost = false
		s.tracker.RecordJoin(s.local)
		log.Info().
			Str("room_id", s.roomID).
			Str("participant_id", s.local.ID).
			Msg("demoted: tie-break prefers another host")
		if err := s.tr.SetParticipant(ctx, s.roomID, s.local); err != nil {
			log.Warn().Err(err).Msg("demotion broadcast failed")
		}
	}

	if election.ShouldPromote(s.tracker, s.local.ID) {
		s.local.IsHost = true
		s.local.LastSeenAt = s.tr.Now()
		s.tracker.RecordJoin(s.local)
		log.Info().
			Str("room_id", s.roomID).
			Str("participant_id", s.local.ID).
			Msg("promoted to host")
		if err := s.tr.SetParticipant(ctx, s.roomID, s.local); err != nil {
			log.Warn().Err(err).Msg("promotion broadcast failed")
		}
		if err := s.tr.UpdateHost(ctx, s.roomID, s.local.ID); err != nil {
			log.Warn().Err(err).Msg("host record update failed")
		}
	}

	s.emitHostChange()
}

// emitHostChange fires OnHostChanged when the believed host differs from
// the last one announced. Caller holds s.mu.
func (s *Session) emitHostChange() {
	hostID := ""
	for _, p := range s.tracker.Sorted() {
		if p.IsHost {
			hostID = p.ID
			break
		}
	}
	if hostID == "" || hostID == s.lastHostID {
		return
	}
	s.lastHostID = hostID
	if s.events.OnHostChanged != nil {
		s.events.OnHostChanged(hostID, hostID == s.local.ID)
	}
}

// emitPresence fires OnPresenceChanged with the sorted live set. Caller
// holds s.mu.
func (s *Session) emitPresence() {
	if s.events.OnPresenceChanged != nil {
		s.events.OnPresenceChanged(s.tracker.Sorted())
	}
}

// noteConnectivity flips the connectivity flag on publish results and
// emits the change. Caller holds s.mu.
func (s *Session) noteConnectivity(err error) {
	next := err == nil
	if next == s.connected {
		return
	}
	s.connected = next
	if s.events.OnConnectivityChanged != nil {
		s.events.OnConnectivityChanged(next)
	}
}

// Read-side accessors used by the gateway.

// RoomID returns the attached room code, or empty before Create/Join.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Local returns the local participant record.
func (s *Session) Local() presence.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// IsHost reports whether the local participant currently holds the role.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.IsHost
}

// Participants returns the believed-live set ordered by join time.
func (s *Session) Participants() []presence.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Sorted()
}

// TimerSnapshot returns the current timer state.
func (s *Session) TimerSnapshot() timer.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Snapshot()
}
