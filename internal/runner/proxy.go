package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/collabpad/collabpad/internal/actor"
	"github.com/collabpad/collabpad/internal/logger"
	"github.com/collabpad/collabpad/internal/protocol"
)

const (
	reconnectStep = 500 * time.Millisecond
	reconnectCap  = 5 * time.Second

	proxyMailboxSize = 64
)

// MsgRequest forwards one sandbox request through the proxy.
type MsgRequest struct {
	Req protocol.ServiceRequest
}

// Type implements actor.Message.
func (MsgRequest) Type() string { return "runner.request" }

// MsgStop shuts the proxy down, stopping its agent.
type MsgStop struct{}

// Type implements actor.Message.
func (MsgStop) Type() string { return "runner.stop" }

type msgAgentEvent struct {
	gen int
	ev  Event
}

func (msgAgentEvent) Type() string { return "runner.agent_event" }

type msgReconnect struct{}

func (msgReconnect) Type() string { return "runner.reconnect" }

// agentHandle abstracts the Agent for tests.
type agentHandle interface {
	Send(req protocol.ServiceRequest)
	Stop()
}

// Proxy is the room's durable façade over the sandbox connection. It
// remembers the last negotiated RunEnv so every (re)connect re-provisions
// the sandbox identically, and it reconnects with linear backoff when the
// sandbox drops the link.
type Proxy struct {
	roomKey   string
	env       protocol.RunEnv
	urlTpl    string
	heartbeat time.Duration
	output    func(string) // terminal stream towards the room
	log       *logger.Logger

	self           *actor.Ref
	agent          agentHandle
	agentGen       int
	reconnectDelay time.Duration
	reconnectStep  time.Duration
	reconnectCap   time.Duration
	reconnectTimer *actor.Timer
	stopped        bool

	// newAgent is swapped out by tests.
	newAgent func(url string, listener func(Event)) agentHandle
}

// Options configures a Proxy.
type Options struct {
	// RoomKey identifies the room; it is substituted into URLTemplate.
	RoomKey string
	// Env is the initial execution environment, replayed on every connect.
	Env protocol.RunEnv
	// URLTemplate is the sandbox endpoint with a {room_key} placeholder.
	URLTemplate string
	// Heartbeat is the ping interval on the sandbox link.
	Heartbeat time.Duration
	// Output receives terminal output (sandbox stdout plus reconnect
	// notices). It must not block; the room hands it to its own mailbox.
	Output func(string)
	// Logger for proxy and agent lines.
	Logger *logger.Logger
}

// Spawn creates and starts a Proxy actor, returning its handle.
func Spawn(ctx context.Context, opts Options) (*actor.Ref, error) {
	if opts.Output == nil {
		return nil, fmt.Errorf("proxy output sink is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	p := &Proxy{
		roomKey:       opts.RoomKey,
		env:           opts.Env,
		urlTpl:        opts.URLTemplate,
		heartbeat:     opts.Heartbeat,
		output:        opts.Output,
		log:           log,
		reconnectStep: reconnectStep,
		reconnectCap:  reconnectCap,
	}
	p.newAgent = func(url string, listener func(Event)) agentHandle {
		agent := NewAgent(url, p.heartbeat, listener, p.log)
		agent.Start()
		return agent
	}

	ref := actor.NewRef("runner-proxy:"+opts.RoomKey, p, proxyMailboxSize)
	p.self = ref
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}
	return ref, nil
}

// ID implements actor.Actor.
func (p *Proxy) ID() string { return "runner-proxy:" + p.roomKey }

// Start implements actor.Actor: connect immediately.
func (p *Proxy) Start(ctx context.Context) error {
	p.connect()
	return nil
}

// Stop implements actor.Actor.
func (p *Proxy) Stop(ctx context.Context) error {
	p.stopped = true
	if p.reconnectTimer != nil {
		p.reconnectTimer.Cancel()
	}
	if p.agent != nil {
		p.log.Info("sending stop signal to runner agent")
		p.agent.Stop()
		p.agent = nil
	}
	return nil
}

// Receive implements actor.Actor.
func (p *Proxy) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case MsgRequest:
		p.handleRequest(m.Req)
	case msgAgentEvent:
		p.handleAgentEvent(m)
	case msgReconnect:
		p.connect()
	case MsgStop:
		return p.Stop(ctx)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

// handleRequest merges environment-bearing requests into the remembered
// RunEnv and forwards to the live agent, if any.
func (p *Proxy) handleRequest(req protocol.ServiceRequest) {
	switch {
	case req.Reset != nil:
		// Language and boot snapshot always follow the request; the
		// terminal size only when both dimensions are known, so a reset
		// can never regress an already negotiated geometry.
		p.env.Language = req.Reset.Language
		p.env.Boot = req.Reset.Boot
		if req.Reset.WinSize.Positive() {
			p.env.WinSize = req.Reset.WinSize
		} else {
			req.Reset.WinSize = p.env.WinSize
		}
	case req.WinSize != nil:
		p.env.WinSize = *req.WinSize
	}

	p.forward(req)
}

func (p *Proxy) forward(req protocol.ServiceRequest) {
	if p.agent == nil {
		p.log.Warn("agent not found: %s, dropping %s request", p.roomKey, req.Kind())
		return
	}
	p.agent.Send(req)
}

func (p *Proxy) handleAgentEvent(m msgAgentEvent) {
	if m.gen != p.agentGen {
		// From an agent we already replaced; nothing it says matters now.
		return
	}
	switch m.ev.Kind {
	case EventConnected:
		p.log.Info("runner agent connected successfully: %s", p.roomKey)
		p.reconnectDelay = 0

	case EventClosed:
		p.log.Info("runner agent closed: %s", p.roomKey)
		p.agent = nil
		if !p.stopped {
			p.scheduleReconnect()
		}

	case EventResponse:
		p.handleResponse(m.ev.Response)
	}
}

// handleResponse forwards sandbox stdout to the room. The remaining
// response kinds are acknowledged but unused for now.
func (p *Proxy) handleResponse(resp *protocol.ServiceResponse) {
	if resp == nil {
		return
	}
	switch resp.Kind {
	case protocol.ResponseStdout:
		if resp.Ok() && resp.Stdout != nil {
			p.output(resp.Stdout.Data)
		}
	case protocol.ResponseInit, protocol.ResponseReset, protocol.ResponseRun, protocol.ResponseWinSize:
		p.log.Debug("sandbox %s response for %s, ok = %v", resp.Kind, p.roomKey, resp.Ok())
	}
}

// connect spins up a fresh agent and replays the remembered environment so
// the sandbox comes back exactly as it was before the disconnect.
func (p *Proxy) connect() {
	if p.stopped {
		return
	}
	if p.agent != nil {
		p.log.Warn("agent is running, no reconnect needed: %s", p.roomKey)
		return
	}

	p.agentGen++
	gen := p.agentGen
	self := p.self
	listener := func(ev Event) {
		if err := self.Send(msgAgentEvent{gen: gen, ev: ev}); err != nil {
			// Proxy already gone; the event is moot.
			return
		}
	}

	url := strings.ReplaceAll(p.urlTpl, "{room_key}", p.roomKey)
	p.agent = p.newAgent(url, listener)

	env := p.env
	p.forward(protocol.ServiceRequest{Reset: &env})
}

// scheduleReconnect arms the backoff timer and tells the room's terminal
// what is happening.
func (p *Proxy) scheduleReconnect() {
	prefix := ""
	if p.reconnectDelay == 0 {
		// First attempt after a drop: give clients a clean line break.
		prefix = "\r\n"
	}
	if p.reconnectDelay+p.reconnectStep <= p.reconnectCap {
		p.reconnectDelay += p.reconnectStep
	}

	notice := fmt.Sprintf("reconnecting, waiting for %dms", p.reconnectDelay.Milliseconds())
	p.log.Info("%s: %s", p.roomKey, notice)
	p.output(prefix + notice + "\r\n")

	self := p.self
	p.reconnectTimer = actor.After(p.reconnectDelay, func() {
		_ = self.Send(msgReconnect{})
	})
}
