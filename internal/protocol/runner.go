package protocol

import (
	"encoding/json"
	"fmt"
)

// WinSize is the sandbox terminal geometry.
type WinSize struct {
	Row uint16 `json:"row"`
	Col uint16 `json:"col"`
}

// Positive reports whether both dimensions are set.
func (w WinSize) Positive() bool {
	return w.Row > 0 && w.Col > 0
}

// RunEnv is the execution environment replayed to the sandbox on every
// (re)connect: language, terminal size and an optional boot program.
type RunEnv struct {
	WinSize  WinSize `json:"win_size"`
	Language string  `json:"language"`
	Boot     *Code   `json:"boot"`
}

// Code is a program handed to the sandbox for execution.
type Code struct {
	ID       uint32 `json:"id"`
	Language string `json:"language"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// ServiceRequest is a message towards the sandbox. Exactly one field is set.
type ServiceRequest struct {
	Reset   *RunEnv
	Run     *Code
	WinSize *WinSize
	Stdin   *string
}

// Kind names the set variant, for logging.
func (r ServiceRequest) Kind() string {
	switch {
	case r.Reset != nil:
		return "reset"
	case r.Run != nil:
		return "run"
	case r.WinSize != nil:
		return "win_size"
	case r.Stdin != nil:
		return "stdin"
	}
	return "invalid"
}

// MarshalJSON encodes the envelope and the set variant.
func (r ServiceRequest) MarshalJSON() ([]byte, error) {
	var (
		kind    string
		content interface{}
	)
	switch {
	case r.Reset != nil:
		kind, content = "reset", r.Reset
	case r.Run != nil:
		kind, content = "run", r.Run
	case r.WinSize != nil:
		kind, content = "win_size", r.WinSize
	case r.Stdin != nil:
		kind, content = "stdin", *r.Stdin
	default:
		return nil, fmt.Errorf("service request has no variant set")
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{T: kind, C: raw})
}

// UnmarshalJSON decodes the envelope and the contained variant.
func (r *ServiceRequest) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.T {
	case "reset":
		r.Reset = &RunEnv{}
		return json.Unmarshal(env.C, r.Reset)
	case "run":
		r.Run = &Code{}
		return json.Unmarshal(env.C, r.Run)
	case "win_size":
		r.WinSize = &WinSize{}
		return json.Unmarshal(env.C, r.WinSize)
	case "stdin":
		r.Stdin = new(string)
		return json.Unmarshal(env.C, r.Stdin)
	}
	return fmt.Errorf("unknown service request kind %q", env.T)
}

// ServiceError is a sandbox error code.
type ServiceError string

// Sandbox error codes.
const (
	ErrServiceInternal ServiceError = "err_service_internal"
	ErrInitRoomExists  ServiceError = "err_init_room_exists"
)

// ResponseKind discriminates sandbox responses.
type ResponseKind string

// Sandbox response kinds.
const (
	ResponseInit    ResponseKind = "init"
	ResponseReset   ResponseKind = "reset"
	ResponseRun     ResponseKind = "run"
	ResponseWinSize ResponseKind = "win_size"
	ResponseStdout  ResponseKind = "stdout"
)

// RunResult reports a finished program.
type RunResult struct {
	ID         uint32  `json:"id"`
	ExitStatus int32   `json:"exit_status"`
	DurationMs float64 `json:"duration_ms"`
}

// StdoutData is a chunk of program output.
type StdoutData struct {
	ID   uint32 `json:"id"`
	Data string `json:"data"`
}

// ServiceResponse is a message from the sandbox. Every response wraps its
// payload in an ok/err result; Err is empty on success.
type ServiceResponse struct {
	Kind ResponseKind
	Err  ServiceError

	// Payloads, set according to Kind on success. Init and reset carry no
	// payload.
	Run     *RunResult
	Stdout  *StdoutData
	WinSize *WinSize
}

// Ok reports whether the sandbox reported success.
func (r ServiceResponse) Ok() bool {
	return r.Err == ""
}

type serviceResult struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *ServiceError   `json:"err,omitempty"`
}

// MarshalJSON encodes the envelope and the ok/err result.
func (r ServiceResponse) MarshalJSON() ([]byte, error) {
	var result serviceResult
	if r.Err != "" {
		e := r.Err
		result.Err = &e
	} else {
		var (
			payload interface{}
			err     error
		)
		switch r.Kind {
		case ResponseInit, ResponseReset:
			payload = struct{}{}
		case ResponseRun:
			payload = r.Run
		case ResponseStdout:
			payload = r.Stdout
		case ResponseWinSize:
			payload = r.WinSize
		default:
			return nil, fmt.Errorf("unknown service response kind %q", r.Kind)
		}
		result.Ok, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{T: string(r.Kind), C: raw})
}

// UnmarshalJSON decodes the envelope and the ok/err result.
func (r *ServiceResponse) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch ResponseKind(env.T) {
	case ResponseInit, ResponseReset, ResponseRun, ResponseWinSize, ResponseStdout:
		r.Kind = ResponseKind(env.T)
	default:
		return fmt.Errorf("unknown service response kind %q", env.T)
	}

	var result serviceResult
	if err := json.Unmarshal(env.C, &result); err != nil {
		return err
	}
	if result.Err != nil {
		r.Err = *result.Err
		return nil
	}

	switch r.Kind {
	case ResponseRun:
		r.Run = &RunResult{}
		return json.Unmarshal(result.Ok, r.Run)
	case ResponseStdout:
		r.Stdout = &StdoutData{}
		return json.Unmarshal(result.Ok, r.Stdout)
	case ResponseWinSize:
		r.WinSize = &WinSize{}
		return json.Unmarshal(result.Ok, r.WinSize)
	}
	return nil
}

// ParseServiceResponse decodes one inbound sandbox frame.
func ParseServiceResponse(data []byte) (*ServiceResponse, error) {
	resp := &ServiceResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("invalid service response: %w", err)
	}
	return resp, nil
}
