package room_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/room"
	"github.com/rebel47/StudySync/internal/timer"
	"github.com/rebel47/StudySync/internal/transport/memory"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	waitFor = 3 * time.Second
	pollGap = 10 * time.Millisecond
)

type fixture struct {
	clock *clockwork.FakeClock
	bus   *memory.Bus
}

func newFixture(t *testing.T) *fixture {
	clock := clockwork.NewFakeClockAt(base)
	return &fixture{clock: clock, bus: memory.NewBus(clock)}
}

// advance moves the shared clock in steps, yielding real time between
// steps so session loops consume their ticks in order.
func (f *fixture) advance(total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		f.clock.Advance(step)
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) newSession(ev room.Events) *room.Session {
	return room.NewSession(f.bus, f.clock, room.DefaultConfig(), ev)
}

// recorder collects session events for assertion.
type recorder struct {
	mu          sync.Mutex
	chats       []room.ChatMessage
	hostIDs     []string
	hostLocal   []bool
	completions []timer.Completion
}

func (r *recorder) events() room.Events {
	return room.Events{
		OnChatMessage: func(msg room.ChatMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chats = append(r.chats, msg)
		},
		OnHostChanged: func(hostID string, local bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.hostIDs = append(r.hostIDs, hostID)
			r.hostLocal = append(r.hostLocal, local)
		},
		OnCompletion: func(c timer.Completion) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completions = append(r.completions, c)
		},
	}
}

func (r *recorder) chatTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.chats))
	for i, m := range r.chats {
		out[i] = m.Text
	}
	return out
}

func (r *recorder) lastHost() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hostIDs) == 0 {
		return "", false
	}
	return r.hostIDs[len(r.hostIDs)-1], r.hostLocal[len(r.hostLocal)-1]
}

func (r *recorder) hasSystemChat() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.chats {
		if m.System && m.SenderName == "system" {
			return true
		}
	}
	return false
}

func (r *recorder) completionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions)
}

func TestSession_CreateAndJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	require.Len(t, code, 6)
	assert.True(t, creator.IsHost())
	defer creator.Leave(ctx)

	// Joining later makes the join-order sort deterministic.
	f.advance(10*time.Second, 5*time.Second)

	joiner := f.newSession(room.Events{})
	require.NoError(t, joiner.Join(ctx, strings.ToLower(code), "Ben"))
	defer joiner.Leave(ctx)

	assert.Equal(t, code, joiner.RoomID())
	assert.False(t, joiner.IsHost())

	require.Eventually(t, func() bool {
		return len(creator.Participants()) == 2 && len(joiner.Participants()) == 2
	}, waitFor, pollGap, "membership should converge on both sides")

	// Creator joined first, so it sorts first everywhere.
	assert.Equal(t, creator.Local().ID, joiner.Participants()[0].ID)
}

func TestSession_JoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(room.Events{})

	err := s.Join(context.Background(), "NOPE22", "Ben")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestSession_TimerControlIsHostGated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)

	joiner := f.newSession(room.Events{})
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	err = joiner.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart})
	assert.ErrorIs(t, err, room.ErrPermissionDenied)
	assert.False(t, joiner.TimerSnapshot().IsRunning)

	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart}))

	require.Eventually(t, func() bool {
		return joiner.TimerSnapshot().IsRunning
	}, waitFor, pollGap, "start should replicate to the joiner")
}

func TestSession_RunningTimerTracksElapsedTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)

	joiner := f.newSession(room.Events{})
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart}))
	require.Eventually(t, func() bool {
		return joiner.TimerSnapshot().IsRunning
	}, waitFor, pollGap)

	f.advance(70*time.Second, time.Second)

	// Both replicas derive remaining time from the shared start instant,
	// so they agree regardless of when each one last heard a broadcast.
	require.Eventually(t, func() bool {
		return creator.TimerSnapshot().TimeLeftSeconds == 1430 &&
			joiner.TimerSnapshot().TimeLeftSeconds == 1430
	}, waitFor, pollGap)
}

func TestSession_PauseReplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)

	joiner := f.newSession(room.Events{})
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart}))
	f.advance(100*time.Second, time.Second)
	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionPause}))

	require.Eventually(t, func() bool {
		snap := joiner.TimerSnapshot()
		return snap.IsPaused && snap.TimeLeftSeconds == 1400
	}, waitFor, pollGap)
}

func TestSession_SetModeReplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)

	joiner := f.newSession(room.Events{})
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{
		Action:           room.ActionSetMode,
		Mode:             timer.ModeCustom,
		DurationOverride: 90 * time.Second,
	}))

	require.Eventually(t, func() bool {
		snap := joiner.TimerSnapshot()
		return snap.Mode == timer.ModeCustom && snap.DurationSeconds == 90
	}, waitFor, pollGap)
}

func TestSession_HostLeaveTriggersFailover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)

	rec := &recorder{}
	joiner := f.newSession(rec.events())
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	require.Eventually(t, func() bool {
		return len(joiner.Participants()) == 2
	}, waitFor, pollGap)

	creator.Leave(ctx)

	require.Eventually(t, func() bool {
		return joiner.IsHost()
	}, waitFor, pollGap, "sole survivor should claim the host role")

	hostID, local := rec.lastHost()
	assert.Equal(t, joiner.Local().ID, hostID)
	assert.True(t, local)
}

func TestSession_StaleHostIsEvictedAndReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A host that will never heartbeat again, written straight to the
	// transport as if its process vanished.
	ghost := presence.Participant{
		ID:          "ghost-host",
		DisplayName: "Ghost",
		IsHost:      true,
		JoinedAt:    base,
		LastSeenAt:  base,
	}
	require.NoError(t, f.bus.SetRoom(ctx, room.Room{
		ID:           "STUDY2",
		CreatedAt:    base,
		ExpiresAt:    base.Add(room.TTL),
		HostID:       ghost.ID,
		Participants: map[string]presence.Participant{ghost.ID: ghost},
		Timer:        timer.Snapshot{Mode: timer.ModeFocus, DurationSeconds: 1500, TimeLeftSeconds: 1500},
	}))

	rec := &recorder{}
	joiner := f.newSession(rec.events())
	require.NoError(t, joiner.Join(ctx, "STUDY2", "Ben"))
	defer joiner.Leave(ctx)

	assert.False(t, joiner.IsHost(), "no promotion while the host looks alive")

	// Heartbeats keep the joiner fresh while the ghost ages past the
	// staleness cutoff.
	f.advance(25*time.Second, 5*time.Second)

	require.Eventually(t, func() bool {
		return joiner.IsHost()
	}, waitFor, pollGap)

	require.Eventually(t, func() bool {
		return len(joiner.Participants()) == 1
	}, waitFor, pollGap)

	// More heartbeat and sweep cycles must not hand the role back: the
	// eviction has to reach the shared record, not just this replica.
	f.advance(20*time.Second, 5*time.Second)
	assert.True(t, joiner.IsHost(), "promotion must stick after the eviction")
	assert.Len(t, joiner.Participants(), 1)

	shared, err := f.bus.GetRoom(ctx, "STUDY2")
	require.NoError(t, err)
	assert.Len(t, shared.Participants, 1, "stale record must be gone from the transport")
	_, stillThere := shared.Participants[ghost.ID]
	assert.False(t, stillThere)

	// The new host really holds the role.
	require.NoError(t, joiner.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart}))
}

func TestSession_DualHostResolvesByTieBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)
	require.True(t, creator.IsHost())

	// A rival host record with an earlier join, as left behind by a
	// healed partition. The tie-break prefers it, so the local host
	// steps down.
	rival := presence.Participant{
		ID:          "rival-host",
		DisplayName: "Rival",
		IsHost:      true,
		JoinedAt:    base.Add(-10 * time.Second),
		LastSeenAt:  f.clock.Now(),
	}
	require.NoError(t, f.bus.SetParticipant(ctx, code, rival))

	require.Eventually(t, func() bool {
		return !creator.IsHost()
	}, waitFor, pollGap)
}

func TestSession_ChatDeliveryAndLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &recorder{}
	creator := f.newSession(rec.events())
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)

	joiner := f.newSession(room.Events{})
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	require.NoError(t, joiner.SendChat(ctx, "  <i>hello</i> "))

	require.Eventually(t, func() bool {
		texts := rec.chatTexts()
		return len(texts) == 1 && texts[0] == "&lt;i&gt;hello&lt;/i&gt;"
	}, waitFor, pollGap)

	// A second message inside the minimum gap is refused locally.
	err = joiner.SendChat(ctx, "too fast")
	assert.ErrorIs(t, err, room.ErrChatRateLimited)

	// Blank messages are dropped without error.
	require.NoError(t, joiner.SendChat(ctx, "   "))
	assert.Len(t, rec.chatTexts(), 1)
}

func TestSession_CompletionEmitsAndAnnounces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hostRec := &recorder{}
	creator := f.newSession(hostRec.events())
	code, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)
	defer creator.Leave(ctx)

	peerRec := &recorder{}
	joiner := f.newSession(peerRec.events())
	require.NoError(t, joiner.Join(ctx, code, "Ben"))
	defer joiner.Leave(ctx)

	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{
		Action:           room.ActionSetMode,
		Mode:             timer.ModeCustom,
		DurationOverride: 3 * time.Second,
	}))
	require.NoError(t, creator.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart}))

	f.advance(5*time.Second, time.Second)

	require.Eventually(t, func() bool {
		return hostRec.completionCount() == 1
	}, waitFor, pollGap)

	// The host announces the completion in chat; peers receive it as a
	// system message.
	require.Eventually(t, peerRec.hasSystemChat, waitFor, pollGap)
}

func TestSession_ActionsAfterLeaveFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := f.newSession(room.Events{})
	_, err := creator.Create(ctx, "Ana")
	require.NoError(t, err)

	creator.Leave(ctx)

	assert.ErrorIs(t, creator.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart}), room.ErrSessionClosed)
	assert.ErrorIs(t, creator.SendChat(ctx, "hi"), room.ErrSessionClosed)
}

// watchCtxTransport records the context the session hands to Subscribe.
type watchCtxTransport struct {
	room.Transport

	mu     sync.Mutex
	subCtx context.Context
}

func (w *watchCtxTransport) Subscribe(ctx context.Context, roomID string, h room.Handlers) (room.Unsubscribe, error) {
	w.mu.Lock()
	w.subCtx = ctx
	w.mu.Unlock()
	return w.Transport.Subscribe(ctx, roomID, h)
}

func (w *watchCtxTransport) subscribeCtx() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subCtx
}

func TestSession_SubscriptionOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)
	tr := &watchCtxTransport{Transport: f.bus}
	sess := room.NewSession(tr, f.clock, room.DefaultConfig(), room.Events{})

	// The context used to create a room is request-scoped and dies as
	// soon as the handler returns. The change feed must not die with it.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := sess.Create(ctx, "Ana")
	require.NoError(t, err)
	defer sess.Leave(context.Background())

	cancel()

	subCtx := tr.subscribeCtx()
	require.NotNil(t, subCtx)
	assert.NoError(t, subCtx.Err(), "subscription context must survive the request")
}
