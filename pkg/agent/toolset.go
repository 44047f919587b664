package agent

import (
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/relaydesk/agentd/pkg/mcp"
)

// encodeToolset converts router tool descriptors into Anthropic tool params.
// Qualified names contain dots, which Anthropic tool naming forbids, so names
// are sanitised ("notion.search" → "notion__search") and a reverse map is
// returned for routing tool_use blocks back to the router.
func encodeToolset(tools []mcp.ToolInfo) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}
	params := make([]sdk.ToolUnionParam, 0, len(tools))
	provToQualified := make(map[string]string, len(tools))

	for _, tool := range tools {
		sanitized := sanitizeToolName(tool.Name)
		if prev, exists := provToQualified[sanitized]; exists && prev != tool.Name {
			return nil, nil, fmt.Errorf("tool name %q collides with %q after sanitising", tool.Name, prev)
		}
		provToQualified[sanitized] = tool.Name

		schema, err := toolInputSchema(tool.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params = append(params, u)
	}
	return params, provToQualified, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// sanitizeToolName maps a qualified tool name onto the provider's allowed
// character set [a-zA-Z0-9_-], replacing dots with a double underscore so the
// mapping stays reversible for well-formed names.
func sanitizeToolName(name string) string {
	out := make([]rune, 0, len(name)+2)
	for _, r := range name {
		switch {
		case r == '.':
			out = append(out, '_', '_')
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}
