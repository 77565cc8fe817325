// Package socket implements the per-channel socket session: a global
// admission semaphore gating new connections, a replay-then-subscribe
// handoff from storage to the fan-out hub, and a live loop that reads
// broadcast events on one side and the peer's control frames on the
// other. The coder/websocket Dial/Read/Write/Close idiom comes from a gateway client's bot-side connection handling,
// mirrored onto the server side of that same protocol; this is a
// single-channel write-only session rather than a multiplexed
// per-user gateway.
package socket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/messaging"
)

// admissionCapacity is the global number of concurrently open sockets.
const admissionCapacity = 256

// replayLimit is the number of recent events drained on connect, before
// live broadcast delivery begins.
const replayLimit = 50

// sendTimeout bounds every individual send to the peer; exceeding it
// closes the socket, per spec.
const sendTimeout = 10 * time.Second

// ErrAdmissionExhausted is returned by Admitter.Acquire when the global
// socket capacity is exhausted. The HTTP shell maps this to 429 before
// attempting the WebSocket upgrade.
var ErrAdmissionExhausted = errors.New("socket admission exhausted")

// Admitter gates new socket sessions behind a fixed-size semaphore. The
// zero value is not usable; use NewAdmitter.
type Admitter struct {
	sem *semaphore.Weighted
}

// NewAdmitter creates an Admitter with the spec's fixed capacity.
func NewAdmitter() *Admitter {
	return newAdmitterWithCapacity(admissionCapacity)
}

func newAdmitterWithCapacity(n int64) *Admitter {
	return &Admitter{sem: semaphore.NewWeighted(n)}
}

// Permit represents one admitted socket's slot. Release must be called
// exactly once, on every exit path.
type Permit struct {
	sem *semaphore.Weighted
}

// Release gives back the admission slot. Safe to call even when the
// connection never reached Session.Run (e.g. the WebSocket upgrade
// itself failed after admission).
func (p *Permit) Release() { p.sem.Release(1) }

// Acquire takes one admission permit, or returns ErrAdmissionExhausted
// immediately (it never blocks: a full semaphore is a 429, not a queue).
func (a *Admitter) Acquire() (*Permit, error) {
	if !a.sem.TryAcquire(1) {
		return nil, ErrAdmissionExhausted
	}
	return &Permit{sem: a.sem}, nil
}

// Session drives one admitted socket end to end: replay, subscribe, then
// the live read/write loop, releasing its admission permit on every exit
// path.
type Session struct {
	conn      *websocket.Conn
	core      *messaging.Core
	channelID string
	logger    *slog.Logger
	permit    *Permit
}

// New builds a Session for an already-admitted, already-upgraded
// connection.
func New(conn *websocket.Conn, core *messaging.Core, channelID string, p *Permit, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{conn: conn, core: core, channelID: channelID, logger: logger, permit: p}
}

// Run executes the full session lifecycle: replay, subscribe, live loop.
// It always releases the admission permit before returning, regardless of
// how the session ends.
func (s *Session) Run(ctx context.Context) {
	defer s.permit.Release()

	if err := s.replay(ctx); err != nil {
		s.logger.Debug("socket replay failed", slog.String("channel_id", s.channelID), slog.String("error", err.Error()))
		s.conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}

	sub := s.core.Subscribe(s.channelID)
	s.live(ctx, sub)
}

// replay drains the last replayLimit events for the channel and sends
// each under the per-send timeout, in sequence order.
func (s *Session) replay(ctx context.Context) error {
	events, err := s.core.RecentEvents(ctx, s.channelID, nil, replayLimit)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := s.sendTimed(ctx, e.Body); err != nil {
			return err
		}
	}
	return nil
}

// live enters the two-source loop: broadcast receive runs here while a
// readLoop goroutine handles socket receive; when the peer side ends, the
// goroutine cancels ctx, which ends the broadcast receive as well.
func (s *Session) live(ctx context.Context, sub *fanout.Subscription) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvDone := make(chan struct{})
	go s.readLoop(ctx, cancel, recvDone)

	for {
		e, err := sub.Recv(ctx)
		if err != nil {
			var lagged *fanout.LaggedError
			if errors.As(err, &lagged) {
				s.conn.Close(websocket.StatusPolicyViolation, lagged.Error())
			}
			<-recvDone
			return
		}

		if err := s.sendTimed(ctx, e.Event); err != nil {
			s.conn.Close(websocket.StatusInternalError, "send timeout")
			<-recvDone
			return
		}
	}
}

// readLoop drains the peer's side of the connection: it answers pings
// (handled transparently by coder/websocket's Read), ignores any text or
// binary frames, and signals recvDone when the peer closes or the
// connection otherwise ends.
func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	defer cancel()
	for {
		if _, _, err := s.conn.Read(ctx); err != nil {
			return
		}
	}
}

// sendTimed writes payload to the peer as a text frame, bounded by
// sendTimeout.
func (s *Session) sendTimed(ctx context.Context, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.conn.Write(sendCtx, websocket.MessageText, payload)
}
