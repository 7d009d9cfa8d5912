package web

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabpad/collabpad/internal/config"
	"github.com/collabpad/collabpad/internal/padstore"
	"github.com/collabpad/collabpad/internal/protocol"
	"github.com/collabpad/collabpad/internal/room"
)

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{
		// Port 9 is discard; the proxy will just keep retrying in the
		// background without a sandbox.
		RunnerServiceURL:      "ws://127.0.0.1:9/room/{room_key}",
		CloseDelayMs:          10000,
		CacheLines:            30,
		ClientKeepAliveMs:     10000,
		ClientTimeoutMs:       15000,
		AgentKeepAliveSeconds: 3,
	}
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := padstore.New(filepath.Join(t.TempDir(), "pads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	pad, err := store.CreatePad(ctx, "abc123", "scratch", "python3")
	require.NoError(t, err)
	require.NoError(t, store.SaveContent(ctx, pad.ID, "print(42)"))

	cfg := testRoomConfig()
	mgr, err := room.SpawnManager(ctx, cfg, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Stop(context.Background()) })

	srv := NewServer("unused", cfg, mgr, nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func dialRoom(t *testing.T, ts *httptest.Server, roomKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + roomKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *websocket.Conn) protocol.ClientResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)

	payload, err := decodeInbound(msgType, data)
	require.NoError(t, err)
	require.NotNil(t, payload)

	var resp protocol.ClientResponse
	require.NoError(t, resp.UnmarshalJSON(payload))
	return resp
}

func TestConnectReplaysLanguageAndText(t *testing.T) {
	ts := startTestServer(t)
	conn := dialRoom(t, ts, "abc123")

	pkt := readPacket(t, conn)
	require.NotNil(t, pkt.Command)
	assert.Equal(t, "python3", *pkt.Command.SetLang)

	pkt = readPacket(t, conn)
	require.NotNil(t, pkt.Editor)
	assert.Equal(t, "print(42)", *pkt.Editor.Text)
}

func TestEditIsRelayedToOtherClients(t *testing.T) {
	ts := startTestServer(t)

	first := dialRoom(t, ts, "abc123")
	readPacket(t, first) // language
	readPacket(t, first) // text

	second := dialRoom(t, ts, "abc123")
	readPacket(t, second)
	readPacket(t, second)

	edit := protocol.ClientRequest{Editor: &protocol.EditorSync{Changed: &protocol.EditorChanged{
		Version: 1,
		Changes: []protocol.TextChange{{
			Range: protocol.TextRange{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 1},
			Text:  "# ",
		}},
	}}}
	frame, err := edit.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, frame))

	pkt := readPacket(t, second)
	require.NotNil(t, pkt.Editor)
	require.NotNil(t, pkt.Editor.Changed)
	assert.Equal(t, "# ", pkt.Editor.Changed.Changes[0].Text)

	// A late joiner sees the edited document.
	third := dialRoom(t, ts, "abc123")
	readPacket(t, third)
	pkt = readPacket(t, third)
	require.NotNil(t, pkt.Editor)
	assert.Equal(t, "# print(42)", *pkt.Editor.Text)
}

func TestCompressedBinaryRequestIsAccepted(t *testing.T) {
	ts := startTestServer(t)

	first := dialRoom(t, ts, "abc123")
	readPacket(t, first)
	readPacket(t, first)

	second := dialRoom(t, ts, "abc123")
	readPacket(t, second)
	readPacket(t, second)

	edit := protocol.ClientRequest{Editor: &protocol.EditorSync{Changed: &protocol.EditorChanged{
		Version: 1,
		Changes: []protocol.TextChange{{
			Range: protocol.TextRange{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 10},
			Text:  "pass",
		}},
	}}}
	frame, err := edit.MarshalJSON()
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(frame)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, buf.Bytes()))

	pkt := readPacket(t, second)
	require.NotNil(t, pkt.Editor)
	require.NotNil(t, pkt.Editor.Changed)
	assert.Equal(t, "pass", pkt.Editor.Changed.Changes[0].Text)
}

func TestLargeBroadcastArrivesCompressed(t *testing.T) {
	ts := startTestServer(t)

	first := dialRoom(t, ts, "abc123")
	readPacket(t, first)
	readPacket(t, first)

	second := dialRoom(t, ts, "abc123")
	readPacket(t, second)
	readPacket(t, second)

	long := strings.Repeat("x", 400)
	edit := protocol.ClientRequest{Editor: &protocol.EditorSync{Changed: &protocol.EditorChanged{
		Version: 1,
		Changes: []protocol.TextChange{{
			Range: protocol.TextRange{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 1},
			Text:  long,
		}},
	}}}
	frame, err := edit.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, frame))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType, "oversized packets travel gzip-compressed")

	payload, err := decodeInbound(msgType, data)
	require.NoError(t, err)
	var resp protocol.ClientResponse
	require.NoError(t, resp.UnmarshalJSON(payload))
	require.NotNil(t, resp.Editor)
	assert.Equal(t, long, resp.Editor.Changed.Changes[0].Text)
}

func TestUnknownRoomClosesConnection(t *testing.T) {
	ts := startTestServer(t)
	conn := dialRoom(t, ts, "missing-pad")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "joining a room with no stored pad must fail the connection")
}
