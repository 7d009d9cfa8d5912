// Package room implements the live collaborative session: the Room actor
// owning the document buffer, client roster, terminal cache and execution
// proxy, plus the Manager registry mapping room keys to running rooms.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/collabpad/collabpad/internal/actor"
	"github.com/collabpad/collabpad/internal/config"
	"github.com/collabpad/collabpad/internal/logger"
	"github.com/collabpad/collabpad/internal/padstore"
	"github.com/collabpad/collabpad/internal/protocol"
	"github.com/collabpad/collabpad/internal/runner"
	"github.com/collabpad/collabpad/internal/textbuf"
)

const roomMailboxSize = 256

// PadStore is the persistence interface the room needs: load on start, save
// on autosave and close, record language changes. Implemented by
// padstore.Store.
type PadStore interface {
	LoadPad(ctx context.Context, hash string) (pad *padstore.Pad, content string, found bool, err error)
	SaveContent(ctx context.Context, padID int64, code string) error
	UpdateLanguage(ctx context.Context, padID int64, language string) error
}

// ClientEvent is delivered to a joined client session: either a packet to
// put on the wire, or an instruction to tear the connection down.
type ClientEvent struct {
	Packet  *protocol.ClientResponse
	Destroy bool
}

// ClientSink receives room events for one client session. It must not
// block; a returned error marks the client as already gone.
type ClientSink func(ClientEvent) error

type roomState int

const (
	stateLoading roomState = iota
	stateActive
	stateEmptyPendingClose
	stateClosed
)

func (s roomState) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateActive:
		return "active"
	case stateEmptyPendingClose:
		return "empty_pending_close"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// JoinReply is the answer to a MsgJoin.
type JoinReply struct {
	ClientID uint32
	Err      error
}

// MsgJoin adds a client to the room. The reply carries the assigned client
// id; the reply channel must be buffered.
type MsgJoin struct {
	Name  string
	Sink  ClientSink
	Reply chan JoinReply
}

// Type implements actor.Message.
func (MsgJoin) Type() string { return "room.join" }

// MsgLeave removes a client from the room.
type MsgLeave struct {
	ClientID uint32
}

// Type implements actor.Message.
func (MsgLeave) Type() string { return "room.leave" }

// MsgClientRequest routes one parsed client packet into the room.
type MsgClientRequest struct {
	ClientID uint32
	Request  protocol.ClientRequest
}

// Type implements actor.Message.
func (MsgClientRequest) Type() string { return "room.client_request" }

// internal messages

type msgPadLoaded struct {
	pad     *padstore.Pad
	content string
	found   bool
	err     error
}

func (msgPadLoaded) Type() string { return "room.pad_loaded" }

type msgRunnerOutput struct {
	data string
}

func (msgRunnerOutput) Type() string { return "room.runner_output" }

type msgCloseTimeout struct {
	gen int
}

func (msgCloseTimeout) Type() string { return "room.close_timeout" }

type msgAutosave struct{}

func (msgAutosave) Type() string { return "room.autosave" }

type roomClient struct {
	id   uint32
	name string
	sink ClientSink
}

// proxySpawner lets tests substitute the execution proxy.
type proxySpawner func(ctx context.Context, opts runner.Options) (*actor.Ref, error)

// Room is the session aggregate for one room key. All state below is owned
// by the actor goroutine.
type Room struct {
	key      string
	cfg      config.RoomConfig
	store    PadStore
	log      *logger.Logger
	onClosed func(*actor.Ref)

	self         *actor.Ref
	state        roomState
	clients      map[uint32]*roomClient
	nextClientID uint32
	pendingJoins []MsgJoin

	runEnv *protocol.RunEnv
	proxy  *actor.Ref
	cache  *TermCache
	buffer *textbuf.Buffer
	pad    *padstore.Pad

	closeTimer *actor.Timer
	closeGen   int

	spawnProxy proxySpawner
}

// Deps wires a Room to its collaborators.
type Deps struct {
	Config config.RoomConfig
	Store  PadStore
	Logger *logger.Logger
	// OnClosed is invoked exactly once when the room reaches its terminal
	// state, after clients and proxy are torn down. It receives the room's
	// own handle so the registry can match it against its entry.
	OnClosed func(room *actor.Ref)
}

// Spawn creates and starts a Room actor for the given key.
func Spawn(ctx context.Context, roomKey string, deps Deps) (*actor.Ref, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("room store is required")
	}
	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}
	r := &Room{
		key:      roomKey,
		cfg:      deps.Config,
		store:    deps.Store,
		log:      log.WithPrefix("room:" + roomKey),
		onClosed: deps.OnClosed,
		state:    stateLoading,
		clients:  make(map[uint32]*roomClient),
		cache:    NewTermCache(deps.Config.CacheLines),
		buffer:   textbuf.New(),
	}
	r.spawnProxy = runner.Spawn

	ref := actor.NewRef("room:"+roomKey, r, roomMailboxSize)
	r.self = ref
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}
	return ref, nil
}

// ID implements actor.Actor.
func (r *Room) ID() string { return "room:" + r.key }

// Start implements actor.Actor: kick off the pad load and the autosave
// ticker. The room serves no client until the load completes.
func (r *Room) Start(ctx context.Context) error {
	go r.loadPad(ctx)

	if r.cfg.AutoSaveSeconds > 0 {
		interval := time.Duration(r.cfg.AutoSaveSeconds) * time.Second
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := r.self.Send(msgAutosave{}); err != nil {
						return
					}
				}
			}
		}()
	}
	return nil
}

// Stop implements actor.Actor: an external stop closes the room if the
// lifecycle has not already done so.
func (r *Room) Stop(ctx context.Context) error {
	if r.state != stateClosed {
		r.close(ctx)
	}
	return nil
}

// Receive implements actor.Actor.
func (r *Room) Receive(ctx context.Context, msg actor.Message) error {
	if r.state == stateClosed {
		if m, ok := msg.(MsgJoin); ok {
			m.reply(JoinReply{Err: fmt.Errorf("room %s is closed", r.key)})
		}
		return nil
	}

	switch m := msg.(type) {
	case msgPadLoaded:
		r.handlePadLoaded(ctx, m)
	case MsgJoin:
		r.handleJoin(m)
	case MsgLeave:
		r.handleLeave(m)
	case MsgClientRequest:
		r.handleClientRequest(ctx, m)
	case msgRunnerOutput:
		r.handleRunnerOutput(m)
	case msgCloseTimeout:
		r.handleCloseTimeout(ctx, m)
	case msgAutosave:
		r.savePadContent(ctx)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

func (m MsgJoin) reply(rep JoinReply) {
	if m.Reply == nil {
		return
	}
	select {
	case m.Reply <- rep:
	default:
	}
}

// loadPad runs off the actor goroutine; the result comes back as a message.
func (r *Room) loadPad(ctx context.Context) {
	pad, content, found, err := r.store.LoadPad(ctx, r.key)
	_ = r.self.Send(msgPadLoaded{pad: pad, content: content, found: found, err: err})
}

func (r *Room) handlePadLoaded(ctx context.Context, m msgPadLoaded) {
	if m.err != nil {
		r.log.Warn("load pad error: %v", m.err)
		r.closeAndStop(ctx)
		return
	}
	if !m.found {
		r.log.Warn("pad not found: %s", r.key)
		r.closeAndStop(ctx)
		return
	}

	r.pad = m.pad
	r.buffer.SetText(m.content)
	r.log.Info("pad loaded, language = %s", m.pad.Language)

	env := protocol.RunEnv{
		WinSize:  protocol.WinSize{Row: 0, Col: 0},
		Language: m.pad.Language,
	}
	r.runEnv = &env

	proxy, err := r.spawnProxy(ctx, runner.Options{
		RoomKey:     r.key,
		Env:         env,
		URLTemplate: r.cfg.RunnerServiceURL,
		Heartbeat:   time.Duration(r.cfg.AgentKeepAliveSeconds) * time.Second,
		Output: func(data string) {
			_ = r.self.Send(msgRunnerOutput{data: data})
		},
		Logger: r.log,
	})
	if err != nil {
		// The room can still serve edits; execution commands will be
		// dropped until a proxy exists.
		r.log.Error("start runner proxy failure: %v", err)
	} else {
		r.proxy = proxy
	}

	r.state = stateActive
	pending := r.pendingJoins
	r.pendingJoins = nil
	for _, join := range pending {
		r.handleJoin(join)
	}
}

func (r *Room) handleJoin(m MsgJoin) {
	if r.state == stateLoading {
		r.pendingJoins = append(r.pendingJoins, m)
		return
	}

	r.nextClientID++
	client := &roomClient{id: r.nextClientID, name: m.Name, sink: m.Sink}
	r.log.Info("client(%d) joins room", client.id)

	language := "plaintext"
	if r.pad != nil {
		language = r.pad.Language
	}
	r.sendTo(client, protocol.SetLangResponse(language))
	r.sendTo(client, protocol.TextResponse(r.buffer.Text()))
	for _, line := range r.cache.Lines() {
		r.sendTo(client, protocol.StdoutResponse(line))
	}

	r.clients[client.id] = client

	if r.state == stateEmptyPendingClose {
		r.log.Info("client(%d) joined, cancelling pending close", client.id)
		if r.closeTimer != nil {
			r.closeTimer.Cancel()
			r.closeTimer = nil
		}
		r.closeGen++
		r.state = stateActive
	}

	m.reply(JoinReply{ClientID: client.id})
}

func (r *Room) handleLeave(m MsgLeave) {
	r.log.Info("client(%d) leaves room", m.ClientID)
	delete(r.clients, m.ClientID)

	if len(r.clients) == 0 && r.state == stateActive {
		r.state = stateEmptyPendingClose
		delay := time.Duration(r.cfg.CloseDelayMs) * time.Millisecond
		r.log.Info("room is empty now, waiting for %dms to stop", r.cfg.CloseDelayMs)
		r.closeGen++
		gen := r.closeGen
		self := r.self
		r.closeTimer = actor.After(delay, func() {
			_ = self.Send(msgCloseTimeout{gen: gen})
		})
	}

	// Everyone else forgets the leaver's cursor.
	r.broadcast(protocol.CursorClearedResponse(m.ClientID), m.ClientID)
}

func (r *Room) handleCloseTimeout(ctx context.Context, m msgCloseTimeout) {
	if m.gen != r.closeGen || r.state != stateEmptyPendingClose {
		return
	}
	r.log.Info("close delay elapsed, stopping room")
	r.closeAndStop(ctx)
}

func (r *Room) handleClientRequest(ctx context.Context, m MsgClientRequest) {
	req := m.Request
	switch {
	case req.Editor != nil:
		r.onEditor(m.ClientID, *req.Editor)
	case req.Command != nil:
		r.onCommand(ctx, m.ClientID, *req.Command)
	case req.Terminal != nil:
		r.onTerminal(m.ClientID, *req.Terminal)
	default:
		r.log.Warn("client(%d) sent empty request", m.ClientID)
	}
}

// onEditor applies editor traffic to the buffer and relays it to the other
// clients. Cursor events are stamped with the sender's id; the room, not
// the client, says whose cursor moved.
func (r *Room) onEditor(clientID uint32, payload protocol.EditorSync) {
	switch {
	case payload.Text != nil:
		r.log.Warn("client(%d) full text replace not supported", clientID)
		return

	case payload.Changed != nil:
		for _, change := range payload.Changed.Changes {
			start := textbuf.Position{Line: change.Range.StartLine, Column: change.Range.StartColumn}
			end := textbuf.Position{Line: change.Range.EndLine, Column: change.Range.EndColumn}
			if err := r.buffer.Edit(start, end, change.Text); err != nil {
				r.log.Warn("invalid edit from client(%d): %v, change = %+v", clientID, err, change)
				return
			}
		}

	case payload.Cursor != nil:
		payload.Cursor.PeerID = clientID
	}

	r.broadcast(protocol.ClientResponse{Editor: &payload}, clientID)
}

func (r *Room) onCommand(ctx context.Context, clientID uint32, payload protocol.CommandRequest) {
	if r.runEnv == nil {
		r.log.Warn("client(%d) command before run env is ready", clientID)
		return
	}

	var req protocol.ServiceRequest
	switch {
	case payload.Reset:
		env := *r.runEnv
		req = protocol.ServiceRequest{Reset: &env}

	case payload.RunCode != nil:
		req = protocol.ServiceRequest{Run: &protocol.Code{
			ID:       1,
			Language: r.runEnv.Language,
			Filename: "source",
			Content:  *payload.RunCode,
		}}

	case payload.SetLang != nil:
		lang := *payload.SetLang
		r.updateLanguage(ctx, lang)
		r.broadcast(protocol.SetLangResponse(lang), 0)
		env := *r.runEnv
		req = protocol.ServiceRequest{Reset: &env}

	default:
		r.log.Warn("client(%d) sent empty command", clientID)
		return
	}

	r.forwardToProxy(req)
}

// updateLanguage mutates the run env (dropping any boot snapshot) and
// persists the change on the pad.
func (r *Room) updateLanguage(ctx context.Context, language string) {
	r.runEnv.Language = language
	r.runEnv.Boot = nil

	if r.pad == nil {
		return
	}
	r.pad.Language = language
	padID := r.pad.ID
	store := r.store
	log := r.log
	go func() {
		if err := store.UpdateLanguage(ctx, padID, language); err != nil {
			log.Warn("save language failure: %v", err)
		}
	}()
}

func (r *Room) onTerminal(clientID uint32, payload protocol.TerminalRequest) {
	var req protocol.ServiceRequest
	switch {
	case payload.SetSize != nil:
		req = protocol.ServiceRequest{WinSize: &protocol.WinSize{
			Row: payload.SetSize.Row,
			Col: payload.SetSize.Col,
		}}
	case payload.Stdin != nil:
		req = protocol.ServiceRequest{Stdin: payload.Stdin}
	default:
		r.log.Warn("client(%d) sent empty terminal request", clientID)
		return
	}

	r.forwardToProxy(req)
}

// forwardToProxy hands a sandbox request to the proxy. With no proxy the
// request is dropped; the room stays alive.
func (r *Room) forwardToProxy(req protocol.ServiceRequest) {
	if r.proxy == nil {
		r.log.Warn("runner not ready, dropping %s request", req.Kind())
		return
	}
	if err := r.proxy.Send(runner.MsgRequest{Req: req}); err != nil {
		r.log.Warn("forward %s to runner failure: %v", req.Kind(), err)
	}
}

func (r *Room) handleRunnerOutput(m msgRunnerOutput) {
	r.cache.Push(m.data)
	r.broadcast(protocol.StdoutResponse(m.data), 0)
}

// broadcast sends a packet to every client except the excluded id (zero
// excludes nobody). A failing sink means the client is already gone.
func (r *Room) broadcast(resp protocol.ClientResponse, exclude uint32) {
	for _, client := range r.clients {
		if client.id == exclude {
			continue
		}
		r.sendTo(client, resp)
	}
}

func (r *Room) sendTo(client *roomClient, resp protocol.ClientResponse) {
	packet := resp
	if err := client.sink(ClientEvent{Packet: &packet}); err != nil {
		r.log.Info("send to client(%d) error: %v", client.id, err)
	}
}

func (r *Room) savePadContent(ctx context.Context) {
	if r.pad == nil {
		r.log.Info("pad not loaded, skip saving content")
		return
	}
	if err := r.store.SaveContent(ctx, r.pad.ID, r.buffer.Text()); err != nil {
		r.log.Warn("save pad content failure: %v", err)
	}
}

// close performs the terminal transition: save, tear down clients and
// proxy, notify the registry. Idempotent.
func (r *Room) close(ctx context.Context) {
	if r.state == stateClosed {
		return
	}
	r.log.Info("room closing from state %s", r.state)
	r.state = stateClosed

	if r.closeTimer != nil {
		r.closeTimer.Cancel()
		r.closeTimer = nil
	}

	r.savePadContent(ctx)

	for _, join := range r.pendingJoins {
		join.reply(JoinReply{Err: fmt.Errorf("room %s is closed", r.key)})
	}
	r.pendingJoins = nil

	for _, client := range r.clients {
		if err := client.sink(ClientEvent{Destroy: true}); err != nil {
			r.log.Info("destroy client(%d) error: %v", client.id, err)
		}
	}
	r.clients = make(map[uint32]*roomClient)

	if r.proxy != nil {
		r.log.Info("sending stop signal to runner proxy")
		proxy := r.proxy
		r.proxy = nil
		go func() { _ = proxy.Stop(context.Background()) }()
	}

	if r.onClosed != nil {
		r.onClosed(r.self)
	}
}

// closeAndStop is used for lifecycle-initiated closes (load failure, empty
// timeout): it closes the room and then stops the actor loop.
func (r *Room) closeAndStop(ctx context.Context) {
	r.close(ctx)
	self := r.self
	go func() { _ = self.Stop(context.Background()) }()
}
