package turn

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/riffle-ai/riffle/internal/provider"
)

const (
	titleTimeout   = 20 * time.Second
	titleMaxLength = 80
)

const titlePrompt = `Write a short title (at most six words) for a conversation that starts
with the exchange below. Output only the title, no quotes or punctuation around it.`

// generateTitle asks the model for a conversation title and stores it.
// Best-effort: any failure is logged and forgotten.
func (r *Runner) generateTitle(conversationID uuid.UUID, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	exchange := "user: " + userText + "\n\nassistant: " + assistantText

	response, err := r.upstream.Complete(ctx, provider.Request{
		Model:     r.cfg.Model,
		MaxTokens: 50,
		System:    titlePrompt,
		Messages:  []provider.Message{provider.TextMessage(provider.RoleUser, exchange)},
		ToolMode:  provider.ToolsNone,
	})
	if err != nil {
		r.logger.Warn("title generation failed", "conversation", conversationID, "error", err)
		return
	}

	title := strings.TrimSpace(strings.Trim(response.Text(), `"'`))
	title = strings.ReplaceAll(title, "\n", " ")
	if title == "" {
		return
	}
	if utf8.RuneCountInString(title) > titleMaxLength {
		title = string([]rune(title)[:titleMaxLength])
	}

	if err := r.persister.UpdateTitle(ctx, conversationID, title); err != nil {
		r.logger.Warn("storing title failed", "conversation", conversationID, "error", err)
		return
	}
	r.logger.Debug("generated title", "conversation", conversationID, "title", title)
}
