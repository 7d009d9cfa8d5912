// Package protocol defines the wire formats spoken on both sides of a room:
// the client protocol carried over each browser websocket, and the runner
// protocol carried over the persistent sandbox connection.
//
// Both protocols are JSON tagged unions: an envelope {"t": <kind>, "c":
// <content>} whose content is a single-key object naming the variant.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope kinds for client traffic.
const (
	clientKindEditor   = "e"
	clientKindCommand  = "c"
	clientKindTerminal = "t"
)

type envelope struct {
	T string          `json:"t"`
	C json.RawMessage `json:"c"`
}

// ClientRequest is a message from a browser client to its room. Exactly one
// field is set.
type ClientRequest struct {
	Editor   *EditorSync
	Command  *CommandRequest
	Terminal *TerminalRequest
}

// ClientResponse is a message from a room to one or more clients. Exactly
// one field is set.
type ClientResponse struct {
	Editor   *EditorSync
	Command  *CommandResponse
	Terminal *TerminalResponse
}

// EditorSync carries editor synchronization traffic. It is symmetric:
// requests from one client are rebroadcast to the others unchanged (except
// cursor events, whose peer id the room stamps).
type EditorSync struct {
	Changed *EditorChanged
	Text    *string
	Cursor  *CursorEvent
}

// EditorChanged is a batch of position-addressed text changes.
type EditorChanged struct {
	Version int64        `json:"version"`
	Changes []TextChange `json:"changes"`
}

// TextChange replaces the characters inside Range with Text.
type TextChange struct {
	Range TextRange `json:"range"`
	Text  string    `json:"text"`
}

// TextRange addresses a character range with 1-based line/column endpoints.
type TextRange struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}

// CursorEvent reports a peer's cursor position. A nil Position clears the
// peer's cursor on the receiving side.
type CursorEvent struct {
	PeerID             uint32           `json:"peer_id"`
	Position           *CursorPosition  `json:"position"`
	SecondaryPositions []CursorPosition `json:"secondary_positions"`
}

// CursorPosition is a 1-based editor coordinate.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// CommandRequest is a room-level command from a client.
type CommandRequest struct {
	Reset   bool
	RunCode *string
	SetLang *string
}

// CommandResponse notifies clients of room-level changes.
type CommandResponse struct {
	SetLang *string
}

// TerminalRequest is terminal input from a client.
type TerminalRequest struct {
	SetSize *TermSize
	Stdin   *string
}

// TerminalResponse is terminal output towards clients.
type TerminalResponse struct {
	Stdout *string
}

// TermSize is a terminal geometry tuple, serialized as [row, col].
type TermSize struct {
	Row uint16
	Col uint16
}

// MarshalJSON encodes the size as a two-element array.
func (s TermSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint16{s.Row, s.Col})
}

// UnmarshalJSON decodes a two-element array.
func (s *TermSize) UnmarshalJSON(data []byte) error {
	var arr [2]uint16
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	s.Row, s.Col = arr[0], arr[1]
	return nil
}

// variant helpers

func marshalVariant(name string, value interface{}) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{name: value})
}

func splitVariant(data []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected single-variant object, got %d keys", len(m))
	}
	for name, raw := range m {
		return name, raw, nil
	}
	return "", nil, fmt.Errorf("empty variant object")
}

// EditorSync JSON

// MarshalJSON encodes the set variant.
func (e EditorSync) MarshalJSON() ([]byte, error) {
	switch {
	case e.Changed != nil:
		return json.Marshal(map[string]interface{}{"changed": e.Changed})
	case e.Text != nil:
		return json.Marshal(map[string]interface{}{"text": *e.Text})
	case e.Cursor != nil:
		return json.Marshal(map[string]interface{}{"cursor": e.Cursor})
	}
	return nil, fmt.Errorf("editor sync has no variant set")
}

// UnmarshalJSON decodes the single set variant.
func (e *EditorSync) UnmarshalJSON(data []byte) error {
	name, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	switch name {
	case "changed":
		e.Changed = &EditorChanged{}
		return json.Unmarshal(raw, e.Changed)
	case "text":
		e.Text = new(string)
		return json.Unmarshal(raw, e.Text)
	case "cursor":
		e.Cursor = &CursorEvent{}
		return json.Unmarshal(raw, e.Cursor)
	}
	return fmt.Errorf("unknown editor variant %q", name)
}

// CommandRequest JSON

// MarshalJSON encodes the set variant. Reset carries no payload and is
// encoded as an empty array for symmetry with the other tuple variants.
func (c CommandRequest) MarshalJSON() ([]byte, error) {
	switch {
	case c.Reset:
		return json.Marshal(map[string]interface{}{"reset": []interface{}{}})
	case c.RunCode != nil:
		return json.Marshal(map[string]interface{}{"run_code": *c.RunCode})
	case c.SetLang != nil:
		return json.Marshal(map[string]interface{}{"set_lang": *c.SetLang})
	}
	return nil, fmt.Errorf("command request has no variant set")
}

// UnmarshalJSON decodes the single set variant.
func (c *CommandRequest) UnmarshalJSON(data []byte) error {
	name, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	switch name {
	case "reset":
		c.Reset = true
		return nil
	case "run_code":
		c.RunCode = new(string)
		return json.Unmarshal(raw, c.RunCode)
	case "set_lang":
		c.SetLang = new(string)
		return json.Unmarshal(raw, c.SetLang)
	}
	return fmt.Errorf("unknown command variant %q", name)
}

// CommandResponse JSON

// MarshalJSON encodes the set variant.
func (c CommandResponse) MarshalJSON() ([]byte, error) {
	if c.SetLang != nil {
		return json.Marshal(map[string]interface{}{"set_lang": *c.SetLang})
	}
	return nil, fmt.Errorf("command response has no variant set")
}

// UnmarshalJSON decodes the single set variant.
func (c *CommandResponse) UnmarshalJSON(data []byte) error {
	name, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	if name != "set_lang" {
		return fmt.Errorf("unknown command response variant %q", name)
	}
	c.SetLang = new(string)
	return json.Unmarshal(raw, c.SetLang)
}

// TerminalRequest JSON

// MarshalJSON encodes the set variant.
func (t TerminalRequest) MarshalJSON() ([]byte, error) {
	switch {
	case t.SetSize != nil:
		return json.Marshal(map[string]interface{}{"set_size": t.SetSize})
	case t.Stdin != nil:
		return json.Marshal(map[string]interface{}{"stdin": *t.Stdin})
	}
	return nil, fmt.Errorf("terminal request has no variant set")
}

// UnmarshalJSON decodes the single set variant.
func (t *TerminalRequest) UnmarshalJSON(data []byte) error {
	name, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	switch name {
	case "set_size":
		t.SetSize = &TermSize{}
		return json.Unmarshal(raw, t.SetSize)
	case "stdin":
		t.Stdin = new(string)
		return json.Unmarshal(raw, t.Stdin)
	}
	return fmt.Errorf("unknown terminal variant %q", name)
}

// TerminalResponse JSON

// MarshalJSON encodes the set variant.
func (t TerminalResponse) MarshalJSON() ([]byte, error) {
	if t.Stdout != nil {
		return json.Marshal(map[string]interface{}{"stdout": *t.Stdout})
	}
	return nil, fmt.Errorf("terminal response has no variant set")
}

// UnmarshalJSON decodes the single set variant.
func (t *TerminalResponse) UnmarshalJSON(data []byte) error {
	name, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	if name != "stdout" {
		return fmt.Errorf("unknown terminal response variant %q", name)
	}
	t.Stdout = new(string)
	return json.Unmarshal(raw, t.Stdout)
}

// ClientRequest JSON

// MarshalJSON encodes the envelope and the set variant.
func (r ClientRequest) MarshalJSON() ([]byte, error) {
	var (
		kind    string
		content interface{}
	)
	switch {
	case r.Editor != nil:
		kind, content = clientKindEditor, r.Editor
	case r.Command != nil:
		kind, content = clientKindCommand, r.Command
	case r.Terminal != nil:
		kind, content = clientKindTerminal, r.Terminal
	default:
		return nil, fmt.Errorf("client request has no variant set")
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{T: kind, C: raw})
}

// UnmarshalJSON decodes the envelope and the contained variant.
func (r *ClientRequest) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.T {
	case clientKindEditor:
		r.Editor = &EditorSync{}
		return json.Unmarshal(env.C, r.Editor)
	case clientKindCommand:
		r.Command = &CommandRequest{}
		return json.Unmarshal(env.C, r.Command)
	case clientKindTerminal:
		r.Terminal = &TerminalRequest{}
		return json.Unmarshal(env.C, r.Terminal)
	}
	return fmt.Errorf("unknown client request kind %q", env.T)
}

// ClientResponse JSON

// MarshalJSON encodes the envelope and the set variant.
func (r ClientResponse) MarshalJSON() ([]byte, error) {
	var (
		kind    string
		content interface{}
	)
	switch {
	case r.Editor != nil:
		kind, content = clientKindEditor, r.Editor
	case r.Command != nil:
		kind, content = clientKindCommand, r.Command
	case r.Terminal != nil:
		kind, content = clientKindTerminal, r.Terminal
	default:
		return nil, fmt.Errorf("client response has no variant set")
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{T: kind, C: raw})
}

// UnmarshalJSON decodes the envelope and the contained variant.
func (r *ClientResponse) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.T {
	case clientKindEditor:
		r.Editor = &EditorSync{}
		return json.Unmarshal(env.C, r.Editor)
	case clientKindCommand:
		r.Command = &CommandResponse{}
		return json.Unmarshal(env.C, r.Command)
	case clientKindTerminal:
		r.Terminal = &TerminalResponse{}
		return json.Unmarshal(env.C, r.Terminal)
	}
	return fmt.Errorf("unknown client response kind %q", env.T)
}

// ParseClientRequest decodes one inbound client frame.
func ParseClientRequest(data []byte) (*ClientRequest, error) {
	req := &ClientRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("invalid client packet: %w", err)
	}
	return req, nil
}

// Convenience constructors used by the room when broadcasting.

// SetLangResponse announces the room's language.
func SetLangResponse(lang string) ClientResponse {
	return ClientResponse{Command: &CommandResponse{SetLang: &lang}}
}

// TextResponse carries the full document text.
func TextResponse(text string) ClientResponse {
	return ClientResponse{Editor: &EditorSync{Text: &text}}
}

// StdoutResponse carries terminal output.
func StdoutResponse(data string) ClientResponse {
	return ClientResponse{Terminal: &TerminalResponse{Stdout: &data}}
}

// CursorClearedResponse tells peers the given client's cursor is gone.
func CursorClearedResponse(peerID uint32) ClientResponse {
	return ClientResponse{Editor: &EditorSync{Cursor: &CursorEvent{
		PeerID:             peerID,
		Position:           nil,
		SecondaryPositions: []CursorPosition{},
	}}}
}
