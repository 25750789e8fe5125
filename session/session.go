// Package session implements the multiplexing layer over one transport
// connection: channel allocation, dispatch routing, upstream forking,
// channel revocation, and graceful teardown, per spec §4.3-§4.4.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/flowmesh/core/dispatch"
	"github.com/flowmesh/core/errcode"
	"github.com/flowmesh/core/frame"
	"github.com/flowmesh/core/header"
	"github.com/flowmesh/core/trace"
)

// Transport is a byte stream: TCP or local-domain, possibly wrapped
// externally for encryption (the core itself has no opinion, per spec §1).
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// channelRecord is the per-live-channel state (spec §3 "Channel record").
type channelRecord struct {
	dispatch dispatch.Dispatch
	upstream *Upstream
}

// Config bundles the optional collaborators a Session accepts.
type Config struct {
	Logger hclog.Logger
	Metric Sink
}

// Session owns a transport, multiplexes channels, forks upstreams, routes
// incoming frames to dispatches, and handles cancellation (spec §3).
type Session struct {
	mu           sync.Mutex
	transport    Transport
	channels     map[uint64]*channelRecord
	maxChannelID uint64

	prototype dispatch.Dispatch
	control   *controlDispatch

	writerTable *header.Table
	readerTable *header.Table

	writeCh chan []byte
	done    chan struct{}
	detach  sync.Once

	log    hclog.Logger
	metric Sink
}

// New creates a session bound to transport with the given root (prototype)
// dispatch for freshly opened channels. Call Run to start its I/O loops.
func New(transport Transport, prototype dispatch.Dispatch, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metric == nil {
		cfg.Metric = noopSink{}
	}

	s := &Session{
		transport:   transport,
		channels:    make(map[uint64]*channelRecord),
		prototype:   prototype,
		writerTable: header.New(),
		readerTable: header.New(),
		writeCh:     make(chan []byte, 256),
		done:        make(chan struct{}),
		log:         cfg.Logger.Named("session"),
		metric:      cfg.Metric,
	}
	s.control = newControlDispatch(s, uint64(len(prototype.Root().Slots)))
	return s
}

// Run starts the pull loop and push queue and blocks until the session
// detaches, either because the transport errored/closed or ctx was
// cancelled. It always returns the error that caused detachment (nil on a
// clean local Detach).
func (s *Session) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- s.pullLoop()
	}()
	go func() {
		errCh <- s.pushLoop()
	}()

	select {
	case <-ctx.Done():
		s.Detach(errcode.New(errcode.System, 0, "context cancelled"))
		<-errCh
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		s.Detach(err)
		<-errCh
		return err
	}
}

// pullLoop reads one frame at a time and dispatches it, until the
// transport errors or is closed (spec §4.4 "Pull loop").
func (s *Session) pullLoop() error {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	for {
		f, consumed, err := frame.Decode(buf, s.readerTable)
		if err == nil {
			buf = buf[consumed:]
			if herr := s.handle(f); herr != nil {
				s.log.Error("uncaught invocation exception", "error", herr)
				return errcode.New(errcode.Dispatch, errcode.UncaughtError, herr.Error())
			}
			continue
		}
		if !errors.Is(err, frame.ErrNeedMore) {
			return errcode.New(errcode.Transport, errcode.ParseError, err.Error())
		}

		n, rerr := s.transport.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return errors.Wrap(rerr, "transport read")
		}
	}
}

// pushLoop drains outgoing writes in FIFO submission order; a write error
// detaches the session (spec §4.4 "Push queue").
func (s *Session) pushLoop() error {
	for {
		select {
		case buf, ok := <-s.writeCh:
			if !ok {
				return nil
			}
			if _, err := s.transport.Write(buf); err != nil {
				return errors.Wrap(err, "transport write")
			}
		case <-s.done:
			return nil
		}
	}
}

// handle routes one decoded frame to its channel's dispatch, per spec §4.3.
func (s *Session) handle(f frame.Frame) error {
	channelID := f.Span

	s.mu.Lock()
	rec, ok := s.channels[channelID]
	if !ok {
		if channelID <= s.maxChannelID {
			s.mu.Unlock()
			return errcode.New(errcode.Dispatch, errcode.RevokedChannel, fmt.Sprintf("channel %d already revoked", channelID))
		}

		rec = &channelRecord{
			dispatch: s.selectDispatch(f.Type),
			upstream: &Upstream{session: s, channelID: channelID},
		}
		s.channels[channelID] = rec
		s.maxChannelID = channelID
		s.metric.IncrCounter("session.channel.opened", 1)
	}
	s.mu.Unlock()

	if rec.dispatch == nil {
		return errcode.New(errcode.Dispatch, errcode.UnboundDispatch, "no dispatch bound to channel")
	}

	// The trace context is restored fresh from each incoming frame's
	// headers, not just the frame that opened the channel (spec §4.3 step
	// 4: the scope holds "for the duration of the call", i.e. per
	// invocation, and a long-lived recurrent channel may carry a different
	// scope on each call). rec.upstream.scope is read by Send if this
	// Process call replies synchronously.
	scope, _ := trace.Extract(f.Headers)
	rec.upstream.scope = scope

	tr, err := rec.dispatch.Process(f.Type, f.Args, f.Headers, scope, rec.upstream)
	if err != nil {
		return err
	}

	switch {
	case tr.IsTerminal():
		s.revoke(channelID, nil)
	case tr.IsSwitch():
		s.mu.Lock()
		if cur, ok := s.channels[channelID]; ok {
			cur.dispatch = tr.Next()
		}
		s.mu.Unlock()
	case tr.IsRecur():
		// no-op: dispatch stays installed.
	}
	return nil
}

func (s *Session) selectDispatch(msgID uint64) dispatch.Dispatch {
	if msgID < uint64(len(s.prototype.Root().Slots)) {
		return s.prototype
	}
	return s.control
}

// Fork opens a new outgoing channel driven by dispatch d and returns its
// Upstream. If d is nil the channel is "mute": the caller promises no
// response will come, and no record is kept (spec §4.3).
func (s *Session) Fork(d dispatch.Dispatch) *Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxChannelID++
	id := s.maxChannelID
	up := &Upstream{session: s, channelID: id}

	if d != nil {
		s.channels[id] = &channelRecord{dispatch: d, upstream: up}
	}
	return up
}

// revoke removes a channel from the map and, if a dispatch was attached,
// calls Discard(ec) exactly once. Idempotent on already-revoked ids.
func (s *Session) revoke(id uint64, ec error) {
	s.mu.Lock()
	rec, ok := s.channels[id]
	if ok {
		delete(s.channels, id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("ignoring revoke request for unknown channel", "channel", id)
		return
	}
	if rec.dispatch != nil {
		rec.dispatch.Discard(ec)
	}
}

// Revoke asks the peer to forget channel id (by sending a control revoke
// message) and revokes it locally.
func (s *Session) Revoke(id uint64, ec error) error {
	base := uint64(len(s.prototype.Root().Slots))
	args := []interface{}{id, encodeErrorCode(ec)}
	s.revoke(id, ec)
	// The peer routes a reserved id to its control dispatch only on a
	// channel id above any it has seen, so the message gets a fresh one.
	ctl := s.Fork(nil)
	return s.send(ctl.ChannelID(), base+controlRevoke, args, nil, trace.Scope{})
}

// send encodes and enqueues one outgoing frame, emitting scope's headers
// fresh (overriding any caller-supplied tracing headers), per spec §4.4.
func (s *Session) send(channelID, msgID uint64, args []interface{}, headers []header.Header, scope trace.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return errcode.New(errcode.Dispatch, errcode.NotConnected, "session detached")
	default:
	}

	headers = trace.Override(headers, scope)
	f := frame.Frame{Span: channelID, Type: msgID, Args: args, Headers: headers}
	buf, err := frame.Encode(f, s.writerTable)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}

	select {
	case s.writeCh <- buf:
		return nil
	case <-s.done:
		return errcode.New(errcode.Dispatch, errcode.NotConnected, "session detached")
	}
}

// Detach is idempotent: it closes the transport (the session keeps its
// reference to the closed transport; it is not swapped out), then under
// the channel-map lock takes and clears the map and calls Discard(ec) on
// every attached dispatch (spec §4.4 "Detach").
func (s *Session) Detach(ec error) {
	s.detach.Do(func() {
		close(s.done)
		_ = s.transport.Close()

		s.mu.Lock()
		toDiscard := s.channels
		s.channels = make(map[uint64]*channelRecord)
		s.mu.Unlock()

		for id, rec := range toDiscard {
			if rec.dispatch != nil {
				rec.dispatch.Discard(ec)
			}
			_ = id
		}
	})
}

// MaxChannelID reports the highest channel id allocated so far, for tests
// asserting the monotonicity invariant.
func (s *Session) MaxChannelID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxChannelID
}
