package llm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"mindops.dev/sidecar/common/llm"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"valid name unchanged", "alice", "alice"},
		{"dots replaced with underscore", "alice.smith", "alice_smith"},
		{"@ replaced with underscore", "alice@dev", "alice_dev"},
		{"hyphens preserved", "alice-dev", "alice-dev"},
		{"underscores preserved", "alice_dev", "alice_dev"},
		{"numbers preserved", "alice123", "alice123"},
		{"mixed case preserved", "AliceSmith", "AliceSmith"},
		{"multiple special chars replaced", "alice.smith@dev!", "alice_smith_dev_"},
		{"spaces replaced", "alice smith", "alice_smith"},
		{"long name truncated to 64 chars", strings.Repeat("a", 100), strings.Repeat("a", 64)},
		{"exactly 64 chars unchanged", strings.Repeat("b", 64), strings.Repeat("b", 64)},
		{"empty string unchanged", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, llm.SanitizeName(tc.input))
		})
	}
}

func TestMessageNameField(t *testing.T) {
	msg := llm.Message{Role: "user", Name: "alice", Content: "Hello world"}
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "alice", msg.Name)
	assert.Equal(t, "Hello world", msg.Content)

	empty := llm.Message{Role: "user", Content: "Hello world"}
	assert.Empty(t, empty.Name)

	sanitized := llm.Message{
		Role:    "user",
		Name:    llm.SanitizeName("alice.smith@company"),
		Content: "We need bulk refund support",
	}
	assert.Equal(t, "alice_smith_company", sanitized.Name)
}
