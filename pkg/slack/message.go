package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/relaydesk/agentd/pkg/services"
)

const maxBlockTextLength = 2900

var categoryEmoji = map[string]string{
	services.WarningCategoryMCPHealth:    ":electric_plug:",
	services.WarningCategoryOAuthRefresh: ":key:",
	services.WarningCategoryBudget:       ":moneybag:",
}

var categoryLabel = map[string]string{
	services.WarningCategoryMCPHealth:    "MCP Server Unhealthy",
	services.WarningCategoryOAuthRefresh: "OAuth Connection Needs Attention",
	services.WarningCategoryBudget:       "Token Budget Warning",
}

// BuildWarningMessage creates Block Kit blocks for a new system warning.
func BuildWarningMessage(w *services.SystemWarning) []goslack.Block {
	emoji := categoryEmoji[w.Category]
	if emoji == "" {
		emoji = ":warning:"
	}
	label := categoryLabel[w.Category]
	if label == "" {
		label = "System Warning"
	}

	headerText := fmt.Sprintf("%s *%s*", emoji, label)
	if w.Source != "" {
		headerText += fmt.Sprintf(" — `%s`", w.Source)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	body := w.Message
	if w.Details != "" {
		body += "\n\n*Details:*\n" + w.Details
	}
	if body != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(body), false, false),
			nil, nil,
		))
	}

	return blocks
}

// BuildResolvedMessage creates Block Kit blocks announcing that a previously
// reported warning has cleared. Posted as a threaded reply under the
// original warning when its timestamp is known.
func BuildResolvedMessage(category, source string) []goslack.Block {
	label := categoryLabel[category]
	if label == "" {
		label = "System Warning"
	}
	text := fmt.Sprintf(":white_check_mark: *Resolved:* %s", label)
	if source != "" {
		text += fmt.Sprintf(" — `%s`", source)
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
