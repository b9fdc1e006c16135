package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantName string
		wantArgs []string
		wantNil  bool
	}{
		{"/boot", "/boot", nil, false},
		{"/agent add a README", "/agent", []string{"add", "a", "README"}, false},
		{"  /mode agent ", "/mode", []string{"agent"}, false},
		{"/export chat.json", "/export", []string{"chat.json"}, false},
		{"/quit", "/quit", nil, false},
		{"not a command", "", nil, true},
		{"", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd := ParseCommand(tt.input)
			if tt.wantNil {
				assert.Nil(t, cmd)
				return
			}
			require.NotNil(t, cmd)
			assert.Equal(t, tt.wantName, cmd.Name)
			if len(tt.wantArgs) == 0 {
				assert.Empty(t, cmd.Args)
				return
			}
			assert.Equal(t, tt.wantArgs, cmd.Args)
		})
	}
}

func TestCommandRest(t *testing.T) {
	cmd := ParseCommand("/chat  what   changed?")
	require.NotNil(t, cmd)
	assert.Equal(t, "what changed?", cmd.Rest())
}
