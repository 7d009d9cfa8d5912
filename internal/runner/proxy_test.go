package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabpad/collabpad/internal/actor"
	"github.com/collabpad/collabpad/internal/logger"
	"github.com/collabpad/collabpad/internal/protocol"
)

type fakeAgent struct {
	mu      sync.Mutex
	url     string
	sent    []protocol.ServiceRequest
	stopped bool
}

func (f *fakeAgent) Send(req protocol.ServiceRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
}

func (f *fakeAgent) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAgent) requests() []protocol.ServiceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServiceRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeAgent) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeSandbox hands out fakeAgents and remembers each agent's listener so
// tests can drive connection events by hand.
type fakeSandbox struct {
	mu        sync.Mutex
	agents    []*fakeAgent
	listeners []func(Event)
}

func (f *fakeSandbox) new(url string, listener func(Event)) agentHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent := &fakeAgent{url: url}
	f.agents = append(f.agents, agent)
	f.listeners = append(f.listeners, listener)
	return agent
}

func (f *fakeSandbox) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents)
}

func (f *fakeSandbox) agent(i int) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[i]
}

func (f *fakeSandbox) fire(i int, ev Event) {
	f.mu.Lock()
	listener := f.listeners[i]
	f.mu.Unlock()
	listener(ev)
}

func spawnTestProxy(t *testing.T, env protocol.RunEnv, output func(string)) (*actor.Ref, *fakeSandbox) {
	t.Helper()
	sandbox := &fakeSandbox{}
	p := &Proxy{
		roomKey:       "abc123",
		env:           env,
		urlTpl:        "ws://sandbox/{room_key}",
		heartbeat:     time.Second,
		output:        output,
		log:           logger.Global(),
		reconnectStep: 10 * time.Millisecond,
		reconnectCap:  30 * time.Millisecond,
		newAgent:      sandbox.new,
	}
	ref := actor.NewRef("runner-proxy:abc123", p, proxyMailboxSize)
	p.self = ref
	require.NoError(t, ref.Start(context.Background()))
	t.Cleanup(func() { _ = ref.Stop(context.Background()) })
	return ref, sandbox
}

func waitForAgents(t *testing.T, sandbox *fakeSandbox, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sandbox.count() >= n },
		2*time.Second, time.Millisecond)
}

func waitForRequests(t *testing.T, agent *fakeAgent, n int) []protocol.ServiceRequest {
	t.Helper()
	require.Eventually(t, func() bool { return len(agent.requests()) >= n },
		2*time.Second, time.Millisecond)
	return agent.requests()
}

func recvOutput(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal output")
		return ""
	}
}

func TestConnectReplaysEnvironment(t *testing.T) {
	env := protocol.RunEnv{
		WinSize:  protocol.WinSize{Row: 24, Col: 80},
		Language: "python3",
	}
	_, sandbox := spawnTestProxy(t, env, func(string) {})

	waitForAgents(t, sandbox, 1)
	assert.Equal(t, "ws://sandbox/abc123", sandbox.agent(0).url)

	reqs := waitForRequests(t, sandbox.agent(0), 1)
	require.NotNil(t, reqs[0].Reset)
	assert.Equal(t, "python3", reqs[0].Reset.Language)
	assert.Equal(t, protocol.WinSize{Row: 24, Col: 80}, reqs[0].Reset.WinSize)
}

func TestResetWithoutSizeKeepsNegotiatedGeometry(t *testing.T) {
	ref, sandbox := spawnTestProxy(t, protocol.RunEnv{Language: "python3"}, func(string) {})
	waitForAgents(t, sandbox, 1)
	agent := sandbox.agent(0)
	waitForRequests(t, agent, 1)

	size := protocol.WinSize{Row: 80, Col: 24}
	require.NoError(t, ref.Send(MsgRequest{Req: protocol.ServiceRequest{WinSize: &size}}))
	waitForRequests(t, agent, 2)

	require.NoError(t, ref.Send(MsgRequest{Req: protocol.ServiceRequest{
		Reset: &protocol.RunEnv{Language: "go"},
	}}))
	reqs := waitForRequests(t, agent, 3)

	require.NotNil(t, reqs[2].Reset)
	assert.Equal(t, "go", reqs[2].Reset.Language)
	assert.Equal(t, size, reqs[2].Reset.WinSize,
		"a reset with unknown dimensions must carry the stored geometry")
}

func TestResetWithSizeOverridesGeometry(t *testing.T) {
	ref, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(string) {})
	waitForAgents(t, sandbox, 1)
	agent := sandbox.agent(0)
	waitForRequests(t, agent, 1)

	require.NoError(t, ref.Send(MsgRequest{Req: protocol.ServiceRequest{
		Reset: &protocol.RunEnv{Language: "rust", WinSize: protocol.WinSize{Row: 10, Col: 20}},
	}}))
	reqs := waitForRequests(t, agent, 2)
	require.NotNil(t, reqs[1].Reset)
	assert.Equal(t, protocol.WinSize{Row: 10, Col: 20}, reqs[1].Reset.WinSize)
}

func TestReconnectBackoffGrowsAndResets(t *testing.T) {
	outputs := make(chan string, 32)
	_, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(s string) { outputs <- s })
	waitForAgents(t, sandbox, 1)

	sandbox.fire(0, Event{Kind: EventConnected})
	sandbox.fire(0, Event{Kind: EventClosed})
	assert.Equal(t, "\r\nreconnecting, waiting for 10ms\r\n", recvOutput(t, outputs),
		"first notice after a drop starts on a fresh line")

	waitForAgents(t, sandbox, 2)
	sandbox.fire(1, Event{Kind: EventClosed})
	assert.Equal(t, "reconnecting, waiting for 20ms\r\n", recvOutput(t, outputs))

	waitForAgents(t, sandbox, 3)
	sandbox.fire(2, Event{Kind: EventClosed})
	assert.Equal(t, "reconnecting, waiting for 30ms\r\n", recvOutput(t, outputs))

	waitForAgents(t, sandbox, 4)
	sandbox.fire(3, Event{Kind: EventClosed})
	assert.Equal(t, "reconnecting, waiting for 30ms\r\n", recvOutput(t, outputs),
		"delay must not grow past the cap")

	// A successful connection resets the backoff.
	waitForAgents(t, sandbox, 5)
	sandbox.fire(4, Event{Kind: EventConnected})
	sandbox.fire(4, Event{Kind: EventClosed})
	assert.Equal(t, "\r\nreconnecting, waiting for 10ms\r\n", recvOutput(t, outputs))
}

func TestStaleAgentEventsIgnored(t *testing.T) {
	outputs := make(chan string, 32)
	_, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(s string) { outputs <- s })
	waitForAgents(t, sandbox, 1)

	sandbox.fire(0, Event{Kind: EventClosed})
	recvOutput(t, outputs)
	waitForAgents(t, sandbox, 2)
	sandbox.fire(1, Event{Kind: EventConnected})

	// The replaced agent closing again must not trigger another reconnect.
	sandbox.fire(0, Event{Kind: EventClosed})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sandbox.count())
	assert.Empty(t, outputs)
}

func TestStdoutForwardedToOutput(t *testing.T) {
	outputs := make(chan string, 32)
	_, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(s string) { outputs <- s })
	waitForAgents(t, sandbox, 1)

	sandbox.fire(0, Event{Kind: EventResponse, Response: &protocol.ServiceResponse{
		Kind:   protocol.ResponseStdout,
		Stdout: &protocol.StdoutData{ID: 1, Data: "hello from sandbox"},
	}})
	assert.Equal(t, "hello from sandbox", recvOutput(t, outputs))
}

func TestFailedStdoutNotForwarded(t *testing.T) {
	outputs := make(chan string, 32)
	_, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(s string) { outputs <- s })
	waitForAgents(t, sandbox, 1)

	sandbox.fire(0, Event{Kind: EventResponse, Response: &protocol.ServiceResponse{
		Kind: protocol.ResponseStdout,
		Err:  protocol.ErrServiceInternal,
	}})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, outputs)
}

func TestRequestsDroppedWhileDisconnected(t *testing.T) {
	outputs := make(chan string, 32)
	ref, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(s string) { outputs <- s })
	waitForAgents(t, sandbox, 1)
	waitForRequests(t, sandbox.agent(0), 1)

	sandbox.fire(0, Event{Kind: EventClosed})
	recvOutput(t, outputs) // reconnect notice: the agent slot is now empty

	stdin := "x"
	require.NoError(t, ref.Send(MsgRequest{Req: protocol.ServiceRequest{Stdin: &stdin}}))
	// Nothing reaches the dead agent; the proxy keeps running.
	assert.Len(t, sandbox.agent(0).requests(), 1)
}

func TestStopStopsAgent(t *testing.T) {
	ref, sandbox := spawnTestProxy(t, protocol.RunEnv{}, func(string) {})
	waitForAgents(t, sandbox, 1)

	require.NoError(t, ref.Stop(context.Background()))
	assert.True(t, sandbox.agent(0).isStopped())
	assert.Equal(t, 1, sandbox.count(), "no reconnect after stop")
}
