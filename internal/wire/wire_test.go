package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/errs"
)

func strPtr(s string) *string { return &s }

func helloEnvelope() Envelope {
	return Envelope{
		Version:   CurrentVersion(),
		SessionID: "session-alpha",
		SenderID:  "wrapper-1",
		Timestamp: "2026-02-07T21:00:00Z",
		Message: Message{
			Type: MsgTypeHello,
			Hello: &HelloPayload{
				ClientID:     "wrapper-1",
				Role:         "publisher",
				Capabilities: []string{"state_update", "heartbeat"},
				AgentID:      strPtr("session-alpha::12"),
				PaneID:       strPtr("12"),
				ProjectRoot:  strPtr("/tmp/repo"),
			},
		},
	}
}

func TestEncodeDecodeRoundTripsAllVariants(t *testing.T) {
	heartbeat := helloEnvelope()
	heartbeat.Message = Message{
		Type: MsgTypeHeartbeat,
		Heartbeat: &HeartbeatPayload{
			AgentID:         "session-alpha::12",
			LastHeartbeatMS: 1_707_335_222_222,
			Lifecycle:       strPtr("running"),
		},
	}

	subscribe := helloEnvelope()
	subscribe.SenderID = "pulse-client"
	since := uint64(10)
	subscribe.Message = Message{
		Type:      MsgTypeSubscribe,
		Subscribe: &SubscribePayload{Topics: []string{"agent_state", "health"}, SinceSeq: &since},
	}

	snapshot := helloEnvelope()
	snapshot.SenderID = "aoc-hub"
	snapshot.Message = Message{
		Type: MsgTypeSnapshot,
		Snapshot: &SnapshotPayload{
			Seq: 11,
			States: []AgentState{{
				AgentID:   "session-alpha::12",
				SessionID: "session-alpha",
				PaneID:    "12",
				Lifecycle: "running",
				Snippet:   strPtr("building index"),
			}},
		},
	}

	command := helloEnvelope()
	command.SenderID = "pulse-client"
	command.RequestID = strPtr("req-7")
	command.Message = Message{
		Type: MsgTypeCommand,
		Command: &CommandPayload{
			Command:       "stop_agent",
			TargetAgentID: strPtr("session-alpha::12"),
			Args:          json.RawMessage(`{"reason":"user_request"}`),
		},
	}

	commandResult := helloEnvelope()
	commandResult.SenderID = "wrapper-1"
	commandResult.RequestID = strPtr("req-7")
	commandResult.Message = Message{
		Type: MsgTypeCommandResult,
		CommandResult: &CommandResultPayload{
			Command: "stop_agent",
			Status:  "accepted",
			Message: strPtr("ctrl-c sent"),
		},
	}

	delta := helloEnvelope()
	delta.SenderID = "aoc-hub"
	delta.Message = Message{
		Type: MsgTypeDelta,
		Delta: &DeltaPayload{
			Seq:     12,
			Changes: []StateChange{{Op: StateChangeRemove, AgentID: "session-alpha::12"}},
		},
	}

	layoutState := helloEnvelope()
	layoutState.SenderID = "aoc-hub"
	layoutState.Message = Message{
		Type: MsgTypeLayoutState,
		LayoutState: &LayoutStatePayload{
			LayoutSeq:   3,
			SessionID:   "session-alpha",
			EmittedAtMS: 1_707_335_222_222,
			Tabs:        []LayoutTab{{Index: 1, Name: "agents", Focused: true}},
		},
	}

	for _, envelope := range []Envelope{helloEnvelope(), heartbeat, subscribe, snapshot, delta, layoutState, command, commandResult} {
		frame, err := EncodeFrame(envelope, DefaultMaxFrameBytes)
		require.NoError(t, err)
		decoded, err := DecodeFrame(frame, DefaultMaxFrameBytes)
		require.NoError(t, err)
		assert.Equal(t, envelope.Message.Type, decoded.Message.Type)
		assert.Equal(t, envelope.SessionID, decoded.SessionID)
		assert.Equal(t, envelope.SenderID, decoded.SenderID)
	}
}

func TestDecoderRecoversAfterMalformedJSONLine(t *testing.T) {
	validA, err := EncodeFrame(helloEnvelope(), DefaultMaxFrameBytes)
	require.NoError(t, err)

	malformed := []byte("{\"not\":\"valid\"\n")

	second := helloEnvelope()
	second.Message = Message{
		Type:      MsgTypeHeartbeat,
		Heartbeat: &HeartbeatPayload{AgentID: "session-alpha::12", LastHeartbeatMS: 123},
	}
	validB, err := EncodeFrame(second, DefaultMaxFrameBytes)
	require.NoError(t, err)

	var chunk []byte
	chunk = append(chunk, validA...)
	chunk = append(chunk, malformed...)
	chunk = append(chunk, validB...)

	decoder := NewNDJSONDecoder(DefaultMaxFrameBytes)
	report := decoder.PushChunk(chunk)

	require.Len(t, report.Frames, 2)
	require.Len(t, report.Errors, 1)
	var frameErr *errs.FrameError
	require.ErrorAs(t, report.Errors[0], &frameErr)
	assert.Equal(t, errs.FrameErrDecode, frameErr.Kind)
}

func TestEncoderRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, 128)
	for i := range huge {
		huge[i] = 'x'
	}
	message := helloEnvelope()
	message.Message = Message{
		Type:    MsgTypeCommand,
		Command: &CommandPayload{Command: "emit", Args: json.RawMessage(`{"blob":"` + string(huge) + `"}`)},
	}

	_, err := EncodeFrame(message, 64)
	require.Error(t, err)
	var frameErr *errs.FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, errs.FrameErrOversizedFrame, frameErr.Kind)
}

func TestDecoderRejectsOversizedLineAndContinues(t *testing.T) {
	blob := make([]byte, 2_000)
	for i := range blob {
		blob[i] = 'x'
	}
	oversized := append([]byte(`{"blob":"`), blob...)
	oversized = append(oversized, []byte("\"}\n")...)

	valid, err := EncodeFrame(helloEnvelope(), DefaultMaxFrameBytes)
	require.NoError(t, err)

	chunk := append(oversized, valid...)

	decoder := NewNDJSONDecoder(1_024)
	report := decoder.PushChunk(chunk)

	require.Len(t, report.Frames, 1)
	require.Len(t, report.Errors, 1)
	var frameErr *errs.FrameError
	require.ErrorAs(t, report.Errors[0], &frameErr)
	assert.Equal(t, errs.FrameErrOversizedFrame, frameErr.Kind)
}

func TestVersionFieldAcceptsStringNumberAndMissing(t *testing.T) {
	var stringVersion Envelope
	require.NoError(t, json.Unmarshal([]byte(`{
		"version": "1",
		"type": "hello",
		"session_id": "session-alpha",
		"sender_id": "client-a",
		"timestamp": "2026-02-07T21:00:00Z",
		"payload": {"client_id":"client-a","role":"subscriber","capabilities":["snapshot"]}
	}`), &stringVersion))
	assert.Equal(t, ProtocolVersion(1), stringVersion.Version)

	var numericVersion Envelope
	require.NoError(t, json.Unmarshal([]byte(`{
		"version": 1,
		"type": "hello",
		"session_id": "session-alpha",
		"sender_id": "client-a",
		"timestamp": "2026-02-07T21:00:00Z",
		"payload": {"client_id":"client-a","role":"subscriber","capabilities":["snapshot"]}
	}`), &numericVersion))
	assert.Equal(t, ProtocolVersion(1), numericVersion.Version)

	var missingVersion Envelope
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "hello",
		"session_id": "session-alpha",
		"sender_id": "client-a",
		"timestamp": "2026-02-07T21:00:00Z",
		"payload": {"client_id":"client-a","role":"subscriber","capabilities":["snapshot"]}
	}`), &missingVersion))
	assert.Equal(t, CurrentVersion(), missingVersion.Version)
}
