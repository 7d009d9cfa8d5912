// Package runner bridges a room to its remote execution sandbox.
//
// The Proxy lives as long as the room and survives sandbox disconnects; the
// Agent represents exactly one physical websocket connection and holds no
// state beyond it, so reconnecting is just making a new Agent.
package runner

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabpad/collabpad/internal/logger"
	"github.com/collabpad/collabpad/internal/protocol"
)

// EventKind discriminates agent lifecycle events.
type EventKind int

// Agent event kinds.
const (
	EventConnected EventKind = iota
	EventClosed
	EventResponse
)

// Event is delivered to the agent's listener: connection established,
// connection gone, or a sandbox response arrived.
type Event struct {
	Kind     EventKind
	Response *protocol.ServiceResponse
}

// Agent owns one outbound websocket to the sandbox endpoint for a room. It
// serializes requests onto the wire, heartbeats the link, and forwards
// responses to its listener. Any terminal condition produces exactly one
// EventClosed.
type Agent struct {
	url       string
	heartbeat time.Duration
	listener  func(Event)
	log       *logger.Logger

	sendq      chan protocol.ServiceRequest
	stop       chan struct{}
	stopOnce   sync.Once
	closedOnce sync.Once
}

// NewAgent creates an agent for the given sandbox endpoint. Events are
// delivered on the agent's own goroutines; the listener must hand them off
// (e.g. into an actor mailbox) rather than block.
func NewAgent(url string, heartbeat time.Duration, listener func(Event), log *logger.Logger) *Agent {
	if heartbeat <= 0 {
		heartbeat = 3 * time.Second
	}
	return &Agent{
		url:       url,
		heartbeat: heartbeat,
		listener:  listener,
		log:       log,
		sendq:     make(chan protocol.ServiceRequest, 64),
		stop:      make(chan struct{}),
	}
}

// Start dials the sandbox asynchronously. Requests sent before the
// connection is up are queued and flushed once connected.
func (a *Agent) Start() {
	go a.run()
}

// Send queues a request for the sandbox. A full queue drops the request;
// there is no retry at this level.
func (a *Agent) Send(req protocol.ServiceRequest) {
	select {
	case a.sendq <- req:
	default:
		a.log.Warn("agent send queue full, dropping %s request", req.Kind())
	}
}

// Stop closes the connection gracefully. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
}

func (a *Agent) run() {
	a.log.Info("connecting to agent: %s", a.url)
	conn, _, err := websocket.DefaultDialer.Dial(a.url, nil)
	if err != nil {
		a.log.Warn("agent connect failure: %v", err)
		a.emitClosed()
		return
	}

	a.emit(Event{Kind: EventConnected})

	writerDone := make(chan struct{})
	go a.writeLoop(conn, writerDone)

	a.readLoop(conn)

	// Reader is done; make sure the writer lets go of the connection too.
	a.Stop()
	<-writerDone
	a.emitClosed()
}

// writeLoop is the sole writer on the connection: queued requests,
// heartbeat pings, and the final close frame.
func (a *Agent) writeLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return

		case req := <-a.sendq:
			data, err := req.MarshalJSON()
			if err != nil {
				a.log.Warn("agent serialize %s request failure: %v", req.Kind(), err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				a.log.Warn("agent write failure: %v", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.log.Warn("agent ping failure: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// readLoop forwards sandbox responses until the connection dies. A frame
// that fails to parse is logged and dropped; the connection stays open.
func (a *Agent) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			a.log.Info("agent connection closed: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			a.log.Debug("ignoring non-text frame from sandbox")
			continue
		}
		resp, err := protocol.ParseServiceResponse(data)
		if err != nil {
			a.log.Error("invalid sandbox response, payload = %s, err = %v", data, err)
			continue
		}
		a.emit(Event{Kind: EventResponse, Response: resp})
	}
}

func (a *Agent) emit(ev Event) {
	a.listener(ev)
}

func (a *Agent) emitClosed() {
	a.closedOnce.Do(func() {
		a.listener(Event{Kind: EventClosed})
	})
}
