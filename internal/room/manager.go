package room

import (
	"context"
	"fmt"

	"github.com/collabpad/collabpad/internal/actor"
	"github.com/collabpad/collabpad/internal/config"
	"github.com/collabpad/collabpad/internal/logger"
)

const managerMailboxSize = 128

// GetOrCreateReply is the answer to a MsgGetOrCreate.
type GetOrCreateReply struct {
	Room *actor.Ref
	Err  error
}

// MsgGetOrCreate resolves a room key to its running room, creating one when
// none exists. Concurrent requests for the same key receive the same room.
// The reply channel must be buffered.
type MsgGetOrCreate struct {
	RoomKey string
	Reply   chan GetOrCreateReply
}

// Type implements actor.Message.
func (MsgGetOrCreate) Type() string { return "manager.get_or_create" }

type msgRoomClosed struct {
	roomKey string
	room    *actor.Ref
}

func (msgRoomClosed) Type() string { return "manager.room_closed" }

// Manager is the process-wide registry of live rooms. It is the only way to
// reach a room by key.
type Manager struct {
	cfg   config.RoomConfig
	store PadStore
	log   *logger.Logger

	self  *actor.Ref
	rooms map[string]*actor.Ref
}

// SpawnManager creates and starts the room registry actor.
func SpawnManager(ctx context.Context, cfg config.RoomConfig, store PadStore, log *logger.Logger) (*actor.Ref, error) {
	if log == nil {
		log = logger.Global()
	}
	m := &Manager{
		cfg:   cfg,
		store: store,
		log:   log.WithPrefix("manager"),
		rooms: make(map[string]*actor.Ref),
	}
	ref := actor.NewRef("room-manager", m, managerMailboxSize)
	m.self = ref
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}
	return ref, nil
}

// ID implements actor.Actor.
func (m *Manager) ID() string { return "room-manager" }

// Start implements actor.Actor.
func (m *Manager) Start(ctx context.Context) error {
	m.log.Info("room manager started")
	return nil
}

// Stop implements actor.Actor: stop every registered room.
func (m *Manager) Stop(ctx context.Context) error {
	for key, room := range m.rooms {
		m.log.Info("stopping room on shutdown: %s", key)
		if err := room.Stop(ctx); err != nil {
			m.log.Warn("stop room %s failure: %v", key, err)
		}
	}
	m.rooms = make(map[string]*actor.Ref)
	return nil
}

// Receive implements actor.Actor.
func (m *Manager) Receive(ctx context.Context, msg actor.Message) error {
	switch msg := msg.(type) {
	case MsgGetOrCreate:
		m.handleGetOrCreate(ctx, msg)
	case msgRoomClosed:
		m.handleRoomClosed(msg)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

func (m *Manager) handleGetOrCreate(ctx context.Context, msg MsgGetOrCreate) {
	reply := func(rep GetOrCreateReply) {
		if msg.Reply == nil {
			return
		}
		select {
		case msg.Reply <- rep:
		default:
		}
	}

	if room, ok := m.rooms[msg.RoomKey]; ok {
		reply(GetOrCreateReply{Room: room})
		return
	}

	m.log.Info("creating room: %s", msg.RoomKey)
	// The room reports its own handle on closure so a stale notification
	// can never evict a newer room under the same key.
	self := m.self
	key := msg.RoomKey
	room, err := Spawn(ctx, msg.RoomKey, Deps{
		Config: m.cfg,
		Store:  m.store,
		Logger: m.log,
		OnClosed: func(room *actor.Ref) {
			_ = self.Send(msgRoomClosed{roomKey: key, room: room})
		},
	})
	if err != nil {
		reply(GetOrCreateReply{Err: fmt.Errorf("create room %s: %w", msg.RoomKey, err)})
		return
	}

	m.rooms[msg.RoomKey] = room
	reply(GetOrCreateReply{Room: room})
}

func (m *Manager) handleRoomClosed(msg msgRoomClosed) {
	current, ok := m.rooms[msg.roomKey]
	if !ok {
		return
	}
	if current != msg.room {
		m.log.Info("ignoring closed notice from a replaced room: %s", msg.roomKey)
		return
	}
	m.log.Info("room closed, removing from registry: %s", msg.roomKey)
	delete(m.rooms, msg.roomKey)
}
