package ingest

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/model"
)

func TestParseEntryDefaultsToTokenThreshold(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"session_id":      "sess-1",
			"conversation_id": "conv-1",
		},
	}

	e, err := parseEntry(msg)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", e.sessionID)
	assert.Equal(t, "conv-1", e.conversationID)
	assert.Equal(t, model.TriggerTokenThreshold, e.trigger.Kind)
}

func TestParseEntryManualShortcutBypassesDebounce(t *testing.T) {
	msg := redis.XMessage{
		ID: "2-0",
		Values: map[string]interface{}{
			"session_id":      "sess-1",
			"conversation_id": "conv-1",
			"trigger":         "manual_shortcut",
		},
	}

	e, err := parseEntry(msg)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerManualShortcut, e.trigger.Kind)
	assert.True(t, e.trigger.BypassDebounce)
	assert.Equal(t, model.PriorityUrgent, e.trigger.Priority)
}

func TestParseEntryRejectsMissingIdentifiers(t *testing.T) {
	msg := redis.XMessage{
		ID:     "3-0",
		Values: map[string]interface{}{"trigger": "task_completed"},
	}

	_, err := parseEntry(msg)
	assert.Error(t, err)
}

func TestParseEntryRejectsUnknownTrigger(t *testing.T) {
	msg := redis.XMessage{
		ID: "4-0",
		Values: map[string]interface{}{
			"session_id":      "sess-1",
			"conversation_id": "conv-1",
			"trigger":         "bogus",
		},
	}

	_, err := parseEntry(msg)
	assert.Error(t, err)
}
