// Package wire is a Go port of the pulse IPC envelope
// (_examples/original_source/crates/aoc-core/src/pulse_ipc.rs): the NDJSON
// frame format a client or wrapper process uses to publish agent-state
// deltas to a hub. Per spec.md §1 this package stops at the boundary — no
// transport or hub/routing logic lives here, only the codec a caller needs
// to speak the wire format.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"mindops.dev/sidecar/internal/errs"
)

// DefaultMaxFrameBytes is the default per-frame size ceiling.
const DefaultMaxFrameBytes = 256 * 1024

// CurrentProtocolVersion is the version this build emits.
const CurrentProtocolVersion = 1

// ProtocolVersion accepts either a JSON string or a JSON integer on decode,
// and always encodes as a string (matching the original's "v1"-tolerant
// string-or-int Serde visitor).
type ProtocolVersion uint16

// CurrentVersion is the protocol version new envelopes should carry.
func CurrentVersion() ProtocolVersion {
	return ProtocolVersion(CurrentProtocolVersion)
}

func (v ProtocolVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(v), 10))
}

func (v *ProtocolVersion) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = CurrentVersion()
		return nil
	}

	if trimmed != "" && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("protocol version: %w", err)
		}
		cleaned := strings.TrimPrefix(strings.TrimSpace(s), "v")
		n, err := strconv.ParseUint(cleaned, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid protocol version %q: %w", s, err)
		}
		*v = ProtocolVersion(n)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol version: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("protocol version cannot be negative: %d", n)
	}
	if n > 0xFFFF {
		return fmt.Errorf("protocol version out of range: %d", n)
	}
	*v = ProtocolVersion(n)
	return nil
}

// Envelope is the outer wire frame: routing fields plus one tagged message.
type Envelope struct {
	Version   ProtocolVersion `json:"version"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Timestamp string          `json:"timestamp"`
	RequestID *string         `json:"request_id,omitempty"`
	Message   Message         `json:"-"`
}

// Message is the sum type carried by Envelope.Type/Payload. Exactly one of
// the payload fields is populated, selected by Type.
type Message struct {
	Type           string                `json:"type"`
	Hello          *HelloPayload         `json:"-"`
	Subscribe      *SubscribePayload     `json:"-"`
	Snapshot       *SnapshotPayload      `json:"-"`
	Delta          *DeltaPayload         `json:"-"`
	LayoutState    *LayoutStatePayload   `json:"-"`
	Heartbeat      *HeartbeatPayload     `json:"-"`
	Command        *CommandPayload       `json:"-"`
	CommandResult  *CommandResultPayload `json:"-"`
}

const (
	MsgTypeHello         = "hello"
	MsgTypeSubscribe     = "subscribe"
	MsgTypeSnapshot      = "snapshot"
	MsgTypeDelta         = "delta"
	MsgTypeLayoutState   = "layout_state"
	MsgTypeHeartbeat     = "heartbeat"
	MsgTypeCommand       = "command"
	MsgTypeCommandResult = "command_result"
)

type HelloPayload struct {
	ClientID     string   `json:"client_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	AgentID      *string  `json:"agent_id,omitempty"`
	PaneID       *string  `json:"pane_id,omitempty"`
	ProjectRoot  *string  `json:"project_root,omitempty"`
}

type SubscribePayload struct {
	Topics   []string `json:"topics,omitempty"`
	SinceSeq *uint64  `json:"since_seq,omitempty"`
}

type SnapshotPayload struct {
	Seq    uint64       `json:"seq"`
	States []AgentState `json:"states,omitempty"`
}

type DeltaPayload struct {
	Seq     uint64        `json:"seq"`
	Changes []StateChange `json:"changes,omitempty"`
}

type LayoutStatePayload struct {
	LayoutSeq   uint64      `json:"layout_seq"`
	SessionID   string      `json:"session_id"`
	EmittedAtMS int64       `json:"emitted_at_ms"`
	Tabs        []LayoutTab `json:"tabs,omitempty"`
	Panes       []LayoutPane `json:"panes,omitempty"`
}

type LayoutTab struct {
	Index   uint64 `json:"index"`
	Name    string `json:"name"`
	Focused bool   `json:"focused"`
}

type LayoutPane struct {
	PaneID     string `json:"pane_id"`
	TabIndex   uint64 `json:"tab_index"`
	TabName    string `json:"tab_name"`
	TabFocused bool   `json:"tab_focused"`
}

type AgentState struct {
	AgentID         string          `json:"agent_id"`
	SessionID       string          `json:"session_id"`
	PaneID          string          `json:"pane_id"`
	Lifecycle       string          `json:"lifecycle"`
	Snippet         *string         `json:"snippet,omitempty"`
	LastHeartbeatMS *int64          `json:"last_heartbeat_ms,omitempty"`
	LastActivityMS  *int64          `json:"last_activity_ms,omitempty"`
	UpdatedAtMS     *int64          `json:"updated_at_ms,omitempty"`
	Source          json.RawMessage `json:"source,omitempty"`
}

type StateChangeOp string

const (
	StateChangeUpsert StateChangeOp = "upsert"
	StateChangeRemove StateChangeOp = "remove"
)

type StateChange struct {
	Op      StateChangeOp `json:"op"`
	AgentID string        `json:"agent_id"`
	State   *AgentState   `json:"state,omitempty"`
}

type HeartbeatPayload struct {
	AgentID         string  `json:"agent_id"`
	LastHeartbeatMS int64   `json:"last_heartbeat_ms"`
	Lifecycle       *string `json:"lifecycle,omitempty"`
}

type CommandPayload struct {
	Command      string          `json:"command"`
	TargetAgentID *string        `json:"target_agent_id,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
}

type CommandResultPayload struct {
	Command string        `json:"command"`
	Status  string        `json:"status"`
	Message *string       `json:"message,omitempty"`
	Error   *CommandError `json:"error,omitempty"`
}

type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireOnTheWire is the flattened JSON shape: envelope fields plus the
// tagged message's "type"/"payload", mirroring the original's
// #[serde(tag = "type", content = "payload")] flatten.
type wireOnTheWire struct {
	Version   ProtocolVersion `json:"version"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Timestamp string          `json:"timestamp"`
	RequestID *string         `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := marshalPayload(e.Message)
	if err != nil {
		return nil, err
	}
	onWire := wireOnTheWire{
		Version:   e.Version,
		SessionID: e.SessionID,
		SenderID:  e.SenderID,
		Timestamp: e.Timestamp,
		RequestID: e.RequestID,
		Type:      e.Message.Type,
		Payload:   payload,
	}
	return json.Marshal(onWire)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var onWire wireOnTheWire
	onWire.Version = CurrentVersion()
	if err := json.Unmarshal(data, &onWire); err != nil {
		return err
	}

	msg, err := unmarshalPayload(onWire.Type, onWire.Payload)
	if err != nil {
		return err
	}

	e.Version = onWire.Version
	e.SessionID = onWire.SessionID
	e.SenderID = onWire.SenderID
	e.Timestamp = onWire.Timestamp
	e.RequestID = onWire.RequestID
	e.Message = msg
	return nil
}

func marshalPayload(m Message) (json.RawMessage, error) {
	var v any
	switch m.Type {
	case MsgTypeHello:
		v = m.Hello
	case MsgTypeSubscribe:
		v = m.Subscribe
	case MsgTypeSnapshot:
		v = m.Snapshot
	case MsgTypeDelta:
		v = m.Delta
	case MsgTypeLayoutState:
		v = m.LayoutState
	case MsgTypeHeartbeat:
		v = m.Heartbeat
	case MsgTypeCommand:
		v = m.Command
	case MsgTypeCommandResult:
		v = m.CommandResult
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", m.Type)
	}
	return json.Marshal(v)
}

func unmarshalPayload(msgType string, payload json.RawMessage) (Message, error) {
	msg := Message{Type: msgType}
	var err error
	switch msgType {
	case MsgTypeHello:
		msg.Hello = &HelloPayload{}
		err = json.Unmarshal(payload, msg.Hello)
	case MsgTypeSubscribe:
		msg.Subscribe = &SubscribePayload{}
		err = json.Unmarshal(payload, msg.Subscribe)
	case MsgTypeSnapshot:
		msg.Snapshot = &SnapshotPayload{}
		err = json.Unmarshal(payload, msg.Snapshot)
	case MsgTypeDelta:
		msg.Delta = &DeltaPayload{}
		err = json.Unmarshal(payload, msg.Delta)
	case MsgTypeLayoutState:
		msg.LayoutState = &LayoutStatePayload{}
		err = json.Unmarshal(payload, msg.LayoutState)
	case MsgTypeHeartbeat:
		msg.Heartbeat = &HeartbeatPayload{}
		err = json.Unmarshal(payload, msg.Heartbeat)
	case MsgTypeCommand:
		msg.Command = &CommandPayload{}
		err = json.Unmarshal(payload, msg.Command)
	case MsgTypeCommandResult:
		msg.CommandResult = &CommandResultPayload{}
		err = json.Unmarshal(payload, msg.CommandResult)
	default:
		return Message{}, fmt.Errorf("wire: unknown message type %q", msgType)
	}
	if err != nil {
		return Message{}, fmt.Errorf("wire: decoding %s payload: %w", msgType, err)
	}
	return msg, nil
}

// EncodeFrame serializes value to a newline-terminated JSON frame, rejecting
// payloads over maxFrameBytes.
func EncodeFrame(env Envelope, maxFrameBytes int) ([]byte, error) {
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, &errs.FrameError{Kind: errs.FrameErrEncode, Msg: err.Error()}
	}
	if len(encoded) > maxFrameBytes {
		return nil, &errs.FrameError{Kind: errs.FrameErrOversizedFrame, Size: len(encoded), Max: maxFrameBytes}
	}
	return append(encoded, '\n'), nil
}

// DecodeFrame parses a single frame (trailing \n/\r\n tolerated).
func DecodeFrame(raw []byte, maxFrameBytes int) (Envelope, error) {
	trimmed := strings.TrimRight(string(raw), "\r\n")
	if len(trimmed) > maxFrameBytes {
		return Envelope{}, &errs.FrameError{Kind: errs.FrameErrOversizedFrame, Size: len(trimmed), Max: maxFrameBytes}
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Envelope{}, &errs.FrameError{Kind: errs.FrameErrDecode, Msg: err.Error()}
	}
	return env, nil
}

// DecodeReport accumulates the frames and errors produced by one push_chunk
// or finish call, matching the original's per-call batching.
type DecodeReport struct {
	Frames []Envelope
	Errors []error
}

// NDJSONDecoder incrementally decodes a stream of newline-delimited frames,
// skipping and recording malformed or oversized lines rather than aborting
// the whole stream.
type NDJSONDecoder struct {
	maxFrameBytes int
	pending       []byte
}

func NewNDJSONDecoder(maxFrameBytes int) *NDJSONDecoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &NDJSONDecoder{maxFrameBytes: maxFrameBytes}
}

// PushChunk appends chunk to the internal buffer and decodes every complete
// line found so far.
func (d *NDJSONDecoder) PushChunk(chunk []byte) DecodeReport {
	var report DecodeReport
	if len(chunk) > 0 {
		d.pending = append(d.pending, chunk...)
	}

	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		d.decodeRawFrame(line, &report)
	}

	if len(d.pending) > d.maxFrameBytes {
		report.Errors = append(report.Errors, &errs.FrameError{
			Kind: errs.FrameErrOversizedBuffer,
			Size: len(d.pending),
			Max:  d.maxFrameBytes,
		})
		d.pending = nil
	}

	return report
}

// Finish decodes any remaining buffered bytes as a final frame (used when
// the stream closes without a trailing newline).
func (d *NDJSONDecoder) Finish() DecodeReport {
	var report DecodeReport
	if len(d.pending) == 0 {
		return report
	}
	final := d.pending
	d.pending = nil
	d.decodeRawFrame(final, &report)
	return report
}

func (d *NDJSONDecoder) decodeRawFrame(frame []byte, report *DecodeReport) {
	if len(frame) > d.maxFrameBytes {
		report.Errors = append(report.Errors, &errs.FrameError{
			Kind: errs.FrameErrOversizedFrame,
			Size: len(frame),
			Max:  d.maxFrameBytes,
		})
		return
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		report.Errors = append(report.Errors, &errs.FrameError{Kind: errs.FrameErrDecode, Msg: err.Error()})
		return
	}
	report.Frames = append(report.Frames, env)
}
