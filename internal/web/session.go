// Package web serves the collaborative pad over websockets: one Session per
// browser connection, routed to its room through the room manager.
package web

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/collabpad/collabpad/internal/actor"
	"github.com/collabpad/collabpad/internal/config"
	"github.com/collabpad/collabpad/internal/logger"
	"github.com/collabpad/collabpad/internal/protocol"
	"github.com/collabpad/collabpad/internal/room"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// Outbound packets at or below this many encoded bytes go out as plain
	// text frames; larger ones are gzip-compressed into binary frames.
	compressThreshold = 128

	// joinTimeout bounds the manager and room handshakes.
	joinTimeout = 10 * time.Second

	sessionEventBuffer = 256
)

// Session is the per-connection protocol handler: keep-alive, framing, and
// the join/leave lifecycle against the owning room.
type Session struct {
	roomKey string
	conn    *websocket.Conn
	cfg     config.RoomConfig
	manager *actor.Ref
	log     *logger.Logger

	clientID uint32
	room     *actor.Ref

	events     chan room.ClientEvent
	lastActive atomic.Int64 // unix nanos of the last ping/pong seen
}

// NewSession wraps an upgraded websocket connection for the given room key.
func NewSession(roomKey string, conn *websocket.Conn, cfg config.RoomConfig, manager *actor.Ref, log *logger.Logger) *Session {
	s := &Session{
		roomKey: roomKey,
		conn:    conn,
		cfg:     cfg,
		manager: manager,
		log:     log.WithPrefix("session:" + roomKey),
		events:  make(chan room.ClientEvent, sessionEventBuffer),
	}
	s.lastActive.Store(time.Now().UnixNano())
	return s
}

// Run joins the room and pumps the connection until it dies. It blocks for
// the connection's lifetime; the caller runs it on its own goroutine.
func (s *Session) Run() {
	defer s.conn.Close()

	if err := s.join(); err != nil {
		s.log.Warn("join failure: %v", err)
		return
	}
	defer s.leave()

	done := make(chan struct{})
	go s.writePump(done)

	s.readPump()

	// Reader is gone; release the writer.
	close(done)
}

// join resolves the room through the manager and registers this session.
func (s *Session) join() error {
	mgrReply := make(chan room.GetOrCreateReply, 1)
	if err := s.manager.Send(room.MsgGetOrCreate{RoomKey: s.roomKey, Reply: mgrReply}); err != nil {
		return fmt.Errorf("reach room manager: %w", err)
	}

	var roomRef *actor.Ref
	select {
	case rep := <-mgrReply:
		if rep.Err != nil {
			return rep.Err
		}
		roomRef = rep.Room
	case <-time.After(joinTimeout):
		return fmt.Errorf("room manager reply timeout")
	}

	sink := func(ev room.ClientEvent) error {
		select {
		case s.events <- ev:
			return nil
		default:
			return fmt.Errorf("session event buffer full")
		}
	}

	joinReply := make(chan room.JoinReply, 1)
	if err := roomRef.Send(room.MsgJoin{Sink: sink, Reply: joinReply}); err != nil {
		return fmt.Errorf("reach room: %w", err)
	}
	select {
	case rep := <-joinReply:
		if rep.Err != nil {
			return rep.Err
		}
		s.clientID = rep.ClientID
	case <-time.After(joinTimeout):
		return fmt.Errorf("room join reply timeout")
	}

	s.room = roomRef
	s.log.Info("client(%d) session joined", s.clientID)
	return nil
}

func (s *Session) leave() {
	if s.room == nil {
		return
	}
	if err := s.room.Send(room.MsgLeave{ClientID: s.clientID}); err != nil {
		s.log.Info("leave notify failure: %v", err)
	}
}

// readPump translates inbound frames to room requests. Protocol violations
// (bad gzip, bad JSON) are fatal to this connection only.
func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)

	touch := func() { s.lastActive.Store(time.Now().UnixNano()) }
	s.conn.SetPongHandler(func(string) error {
		touch()
		return nil
	})
	pingFallback := s.conn.PingHandler()
	s.conn.SetPingHandler(func(appData string) error {
		touch()
		return pingFallback(appData)
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Info("client(%d) read error: %v", s.clientID, err)
			}
			return
		}

		payload, err := decodeInbound(msgType, data)
		if err != nil {
			s.log.Warn("client(%d) bad frame: %v", s.clientID, err)
			return
		}
		if payload == nil {
			continue
		}

		req, err := protocol.ParseClientRequest(payload)
		if err != nil {
			s.log.Warn("client(%d) bad packet: %v", s.clientID, err)
			return
		}
		if err := s.room.Send(room.MsgClientRequest{ClientID: s.clientID, Request: *req}); err != nil {
			s.log.Warn("client(%d) forward failure: %v", s.clientID, err)
			return
		}
	}
}

// writePump is the sole writer on the connection: room events, keep-alive
// pings, and the final close frame.
func (s *Session) writePump(done <-chan struct{}) {
	keepAlive := time.Duration(s.cfg.ClientKeepAliveMs) * time.Millisecond
	timeout := time.Duration(s.cfg.ClientTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(keepAlive)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-done:
			return

		case ev := <-s.events:
			if ev.Destroy {
				s.log.Info("client(%d) received destroy from room", s.clientID)
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"))
				return
			}

			msgType, frame, err := encodeOutbound(*ev.Packet)
			if err != nil {
				s.log.Error("encode packet failure: %v", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(msgType, frame); err != nil {
				s.log.Info("client(%d) write error: %v", s.clientID, err)
				return
			}

		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActive.Load()))
			if idle > timeout {
				s.log.Info("client(%d) keep alive timeout, disconnecting", s.clientID)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decodeInbound returns the JSON payload of an inbound frame. Text frames
// pass through; binary frames are gzip-compressed JSON. Other frame types
// yield nil.
func decodeInbound(msgType int, data []byte) ([]byte, error) {
	switch msgType {
	case websocket.TextMessage:
		return data, nil
	case websocket.BinaryMessage:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("binary frame decompression: %w", err)
		}
		defer zr.Close()
		payload, err := io.ReadAll(io.LimitReader(zr, maxMessageSize))
		if err != nil {
			return nil, fmt.Errorf("binary frame decompression: %w", err)
		}
		return payload, nil
	default:
		return nil, nil
	}
}

// encodeOutbound serializes a packet and picks its transport: small packets
// go as plain text, larger ones as gzip binary. Compression failure falls
// back to text.
func encodeOutbound(resp protocol.ClientResponse) (int, []byte, error) {
	data, err := resp.MarshalJSON()
	if err != nil {
		return 0, nil, err
	}
	if len(data) <= compressThreshold {
		return websocket.TextMessage, data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return websocket.TextMessage, data, nil
	}
	if err := zw.Close(); err != nil {
		return websocket.TextMessage, data, nil
	}
	return websocket.BinaryMessage, buf.Bytes(), nil
}
