package session_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/dispatch"
	"github.com/flowmesh/core/frame"
	"github.com/flowmesh/core/header"
	"github.com/flowmesh/core/session"
	"github.com/flowmesh/core/trace"
)

const (
	echoSlotID uint64 = 0
	chunkID    uint64 = 0
	chokeID    uint64 = 1
)

// echoServerPrototype is the root dispatch of the server session: it
// answers an echo_slot call by streaming one chunk and then closing.
type echoServerPrototype struct{}

var echoServerGraph = &dispatch.Graph{
	Name: "echo",
	Slots: map[uint64]dispatch.Slot{
		echoSlotID: {Name: "echo_slot", Kind: dispatch.KindTerminal},
	},
}

func (echoServerPrototype) Process(msgID uint64, args []interface{}, _ []header.Header, _ trace.Scope, up dispatch.Sender) (dispatch.Transition, error) {
	if msgID != echoSlotID {
		return dispatch.Transition{}, nil
	}
	if err := up.Send(chunkID, args, nil); err != nil {
		return dispatch.Transition{}, err
	}
	if err := up.Send(chokeID, nil, nil); err != nil {
		return dispatch.Transition{}, err
	}
	return dispatch.Terminal(), nil
}

func (echoServerPrototype) Discard(error)         {}
func (echoServerPrototype) Root() *dispatch.Graph { return echoServerGraph }
func (echoServerPrototype) Name() string          { return "echo-server" }

// echoClientDispatch is installed on the forked channel to observe the
// server's chunk/choke responses.
type echoClientDispatch struct {
	mu      sync.Mutex
	chunks  [][]interface{}
	closed  bool
	done    chan struct{}
}

var echoClientGraph = &dispatch.Graph{
	Name: "echo-client",
	Slots: map[uint64]dispatch.Slot{
		chunkID: {Name: "chunk", Kind: dispatch.KindRecurrent},
		chokeID: {Name: "choke", Kind: dispatch.KindTerminal},
	},
}

func newEchoClientDispatch() *echoClientDispatch {
	return &echoClientDispatch{done: make(chan struct{})}
}

func (e *echoClientDispatch) Process(msgID uint64, args []interface{}, _ []header.Header, _ trace.Scope, _ dispatch.Sender) (dispatch.Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch msgID {
	case chunkID:
		e.chunks = append(e.chunks, args)
		return dispatch.Recur(), nil
	case chokeID:
		close(e.done)
		return dispatch.Terminal(), nil
	}
	return dispatch.Recur(), nil
}

func (e *echoClientDispatch) Discard(error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}
func (e *echoClientDispatch) Root() *dispatch.Graph { return echoClientGraph }
func (e *echoClientDispatch) Name() string          { return "echo-client" }

func TestSingleAgentEcho(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	server := session.New(serverConn, echoServerPrototype{}, session.Config{})
	client := session.New(clientConn, echoServerPrototype{}, session.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	clientDispatch := newEchoClientDispatch()
	up := client.Fork(clientDispatch)
	require.Equal(t, uint64(1), up.ChannelID())

	require.NoError(t, up.Send(echoSlotID, []interface{}{"hello"}, nil))

	select {
	case <-clientDispatch.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choke")
	}

	clientDispatch.mu.Lock()
	defer clientDispatch.mu.Unlock()
	require.Len(t, clientDispatch.chunks, 1)
}

// traceEchoServerPrototype is like echoServerPrototype but records the
// scope it was invoked with and stamps a bogus tracing header of its own
// onto the reply, so the test can confirm the session overrides it.
type traceEchoServerPrototype struct {
	mu   sync.Mutex
	seen trace.Scope
	got  bool
}

func (p *traceEchoServerPrototype) Process(msgID uint64, args []interface{}, _ []header.Header, scope trace.Scope, up dispatch.Sender) (dispatch.Transition, error) {
	if msgID != echoSlotID {
		return dispatch.Transition{}, nil
	}
	p.mu.Lock()
	p.seen = scope
	p.got = true
	p.mu.Unlock()

	spoofed := []header.Header{{Name: []byte(header.TraceID), Value: []byte{0xFF}}}
	if err := up.Send(chunkID, args, spoofed); err != nil {
		return dispatch.Transition{}, err
	}
	if err := up.Send(chokeID, nil, nil); err != nil {
		return dispatch.Transition{}, err
	}
	return dispatch.Terminal(), nil
}

func (p *traceEchoServerPrototype) Discard(error)         {}
func (p *traceEchoServerPrototype) Root() *dispatch.Graph { return echoServerGraph }
func (p *traceEchoServerPrototype) Name() string          { return "trace-echo-server" }

// tracingClientDispatch records the headers of the first chunk it receives.
type tracingClientDispatch struct {
	mu      sync.Mutex
	headers []header.Header
	done    chan struct{}
}

func newTracingClientDispatch() *tracingClientDispatch {
	return &tracingClientDispatch{done: make(chan struct{})}
}

func (e *tracingClientDispatch) Process(msgID uint64, _ []interface{}, headers []header.Header, _ trace.Scope, _ dispatch.Sender) (dispatch.Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch msgID {
	case chunkID:
		e.headers = headers
		return dispatch.Recur(), nil
	case chokeID:
		close(e.done)
		return dispatch.Terminal(), nil
	}
	return dispatch.Recur(), nil
}

func (e *tracingClientDispatch) Discard(error)         {}
func (e *tracingClientDispatch) Root() *dispatch.Graph { return echoClientGraph }
func (e *tracingClientDispatch) Name() string          { return "tracing-client" }

// TestTraceHeaderPropagation confirms that an incoming frame's trace
// headers are restored into the scope handed to Process, and that the
// reply's tracing headers are always the session's current scope, not
// whatever the dispatch (or, here, a spoofed one) tried to send (spec
// §4.3 step 4, §4.4).
func TestTraceHeaderPropagation(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverProto := &traceEchoServerPrototype{}
	server := session.New(serverConn, serverProto, session.Config{})
	client := session.New(clientConn, echoServerPrototype{}, session.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	clientDispatch := newTracingClientDispatch()
	up := client.Fork(clientDispatch)

	// The request is written as a raw frame: a session's own Send replaces
	// any tracing headers with its upstream's scope, which is zero on a
	// locally forked channel. The client session has sent nothing yet, so a
	// fresh table matches the server's reader table.
	sent := trace.Scope{TraceID: 42, SpanID: 7, ParentID: 3, Verbose: true}
	req, err := frame.Encode(frame.Frame{Span: up.ChannelID(), Type: echoSlotID, Args: []interface{}{"hello"}, Headers: trace.Headers(sent)}, header.New())
	require.NoError(t, err)
	_, err = clientConn.Write(req)
	require.NoError(t, err)

	select {
	case <-clientDispatch.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choke")
	}

	serverProto.mu.Lock()
	require.True(t, serverProto.got)
	require.Equal(t, sent, serverProto.seen)
	serverProto.mu.Unlock()

	clientDispatch.mu.Lock()
	defer clientDispatch.mu.Unlock()
	got, ok := trace.Extract(clientDispatch.headers)
	require.True(t, ok)
	require.Equal(t, sent, got, "reply must carry the session's current scope, not the dispatch's spoofed trace_id header")
}

func TestChannelMonotonicity(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := session.New(clientConn, echoServerPrototype{}, session.Config{})

	var last uint64
	for i := 0; i < 5; i++ {
		up := s.Fork(nil)
		require.Greater(t, up.ChannelID(), last)
		last = up.ChannelID()
	}
	require.Equal(t, last, s.MaxChannelID())
}
