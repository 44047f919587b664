package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "bearer_token: {{.GITHUB_MCP_TOKEN}}",
			env:   map[string]string{"GITHUB_MCP_TOKEN": "ghp-secret"},
			want:  "bearer_token: ghp-secret",
		},
		{
			name:  "multiple substitutions in one value",
			input: "url: {{.MCP_SCHEME}}://{{.MCP_HOST}}:{{.MCP_PORT}}/mcp",
			env: map[string]string{
				"MCP_SCHEME": "https",
				"MCP_HOST":   "tools.internal",
				"MCP_PORT":   "8443",
			},
			want: "url: https://tools.internal:8443/mcp",
		},
		{
			name:  "missing variable expands to empty",
			input: "bearer_token: {{.NOT_SET_ANYWHERE}}",
			env:   map[string]string{},
			want:  "bearer_token: ",
		},
		{
			name:  "literal dollar syntax is not touched",
			input: `url: "http://host/$path?q=^secret.*$"`,
			env:   map[string]string{"path": "boom"},
			want:  `url: "http://host/$path?q=^secret.*$"`,
		},
		{
			name:  "shell-style ${VAR} is not touched",
			input: "note: ${HOME} stays literal",
			env:   map[string]string{"HOME": "/root"},
			want:  "note: ${HOME} stays literal",
		},
		{
			name: "nested yaml structure",
			input: "mcp_servers:\n  github:\n    transport:\n" +
				"      url: {{.GH_URL}}\n      bearer_token: {{.GH_TOKEN}}",
			env: map[string]string{
				"GH_URL":   "https://api.example.com/mcp/",
				"GH_TOKEN": "tok",
			},
			want: "mcp_servers:\n  github:\n    transport:\n" +
				"      url: https://api.example.com/mcp/\n      bearer_token: tok",
		},
		{
			name:  "no template syntax passes through",
			input: "transport:\n  type: sse\n  timeout: 30",
			env:   map[string]string{"UNUSED": "x"},
			want:  "transport:\n  type: sse\n  timeout: 30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

func TestExpandEnv_MalformedTemplateIsPassedThrough(t *testing.T) {
	t.Setenv("SECRET", "must-not-leak")

	inputs := []string{
		"bearer_token: {{.SECRET",
		"bearer_token: {{",
		"bearer_token: {{.SECRET}",
		"bearer_token: {{}}",
	}
	for _, input := range inputs {
		got := string(ExpandEnv([]byte(input)))
		assert.Equal(t, input, got, "malformed template must pass through unchanged")
		assert.NotContains(t, got, "must-not-leak")
	}
}

func TestExpandEnv_OutputStaysParseable(t *testing.T) {
	t.Setenv("NOTION_MCP_URL", "https://mcp.notion.com/mcp")

	input := `
mcp_servers:
  notion:
    transport:
      type: http
      url: {{.NOTION_MCP_URL}}
`
	var parsed map[string]any
	assert.NoError(t, yaml.Unmarshal(ExpandEnv([]byte(input)), &parsed))
	assert.NotNil(t, parsed["mcp_servers"])
}

func TestExpandEnv_EmptyInput(t *testing.T) {
	assert.Empty(t, string(ExpandEnv(nil)))
}
