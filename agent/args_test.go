package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/types"
)

func TestParseToolArguments(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"clean", `{"message":"hi"}`, map[string]any{"message": "hi"}},
		{"empty", ``, map[string]any{}},
		{"null", `null`, map[string]any{}},
		{"fenced", "```json\n{\"message\":\"hi\"}\n```", map[string]any{"message": "hi"}},
		{"double encoded", `"{\"message\":\"hi\"}"`, map[string]any{"message": "hi"}},
		{"trailing comma", `{"message":"hi",}`, map[string]any{"message": "hi"}},
		{"truncated", `{"message":"hi","nested":{"a":1`, map[string]any{"message": "hi", "nested": map[string]any{"a": float64(1)}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseToolArguments(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseToolArguments_Unrepairable(t *testing.T) {
	t.Parallel()

	_, err := ParseToolArguments(json.RawMessage(`not json at all {{{]`))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidResponse, types.GetErrorCode(err))
}

func TestPopControlArgs(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"message":           "hi",
		"request_heartbeat": true,
		"inner_thoughts":    "the user greeted me",
	}
	heartbeat, thoughts := PopControlArgs(args)
	assert.True(t, heartbeat)
	assert.Equal(t, "the user greeted me", thoughts)
	assert.Equal(t, map[string]any{"message": "hi"}, args, "control keys stripped")

	args = map[string]any{"request_heartbeat": "True", "thinking": "hmm"}
	heartbeat, thoughts = PopControlArgs(args)
	assert.True(t, heartbeat, "stringly typed heartbeat accepted")
	assert.Equal(t, "hmm", thoughts)

	heartbeat, thoughts = PopControlArgs(map[string]any{})
	assert.False(t, heartbeat)
	assert.Empty(t, thoughts)
}
