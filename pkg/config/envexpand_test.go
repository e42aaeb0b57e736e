package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "dir: {{.BRIDGE_LOG_DIR}}",
			env:   map[string]string{"BRIDGE_LOG_DIR": "/var/lib/bridge/log"},
			want:  "dir: /var/lib/bridge/log",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal $ in a where pattern is preserved",
			input: `command: "echo $HOME"`,
			env:   map[string]string{},
			want:  `command: "echo $HOME"`,
		},
		{
			name:  "multiple substitutions in one line",
			input: "listen: {{.BRIDGE_HOST}}:{{.BRIDGE_PORT}}",
			env: map[string]string{
				"BRIDGE_HOST": "0.0.0.0",
				"BRIDGE_PORT": "8080",
			},
			want: "listen: 0.0.0.0:8080",
		},
		{
			name:  "missing variable expands to empty",
			input: "dir: {{.BRIDGE_MISSING}}",
			env:   map[string]string{},
			want:  "dir: ",
		},
		{
			name:  "no substitution when no variables",
			input: "listen: :8080",
			env:   map[string]string{"UNUSED": "value"},
			want:  "listen: :8080",
		},
		{
			name:  "variables in nested YAML structure",
			input: "log:\n  dir: {{.LOG_DIR}}\nsnapshots:\n  dir: {{.SNAP_DIR}}",
			env: map[string]string{
				"LOG_DIR":  "data/log",
				"SNAP_DIR": "data/snapshots",
			},
			want: "log:\n  dir: data/log\nsnapshots:\n  dir: data/snapshots",
		},
		{
			name:  "special characters in expanded value",
			input: "secret_env: {{.SECRET_NAME}}",
			env:   map[string]string{"SECRET_NAME": "BRIDGE_SECRET_2"},
			want:  "secret_env: BRIDGE_SECRET_2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

func TestExpandEnvPreservesOriginalWhenNoVariables(t *testing.T) {
	input := `
# bridged.yaml
server:
  listen: ":8080"
log:
  dir: data/log
`
	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result))
}

// Malformed template syntax passes through unchanged so the YAML parser can
// fail with a clearer error message.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	inputs := []string{
		"dir: {{.LOG_DIR",
		"dir: {{",
		"dir: {{.BAD-NAME}}",
	}
	for _, input := range inputs {
		result := ExpandEnv([]byte(input))
		assert.Equal(t, input, string(result))
	}
}
