package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/riffle-ai/riffle/internal/provider"
)

// extractionPrompt asks the model for durable user facts as plain lines. The
// line format keeps parsing trivial and robust against chatty output.
const extractionPrompt = `Review the conversation turn below and extract durable facts about
the user worth remembering across conversations: stable preferences, personal context,
ongoing projects. Ignore one-off requests and anything sensitive (credentials, financial
details, health data).

Output one fact per line prefixed with "- ". If there is nothing worth remembering,
output exactly: NONE`

// extractFacts runs the extraction completion and parses its line output.
func (s *Store) extractFacts(ctx context.Context, turns []Turn) ([]string, error) {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Role)
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteString("\n\n")
	}

	response, err := s.completer.Complete(ctx, provider.Request{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    extractionPrompt,
		Messages: []provider.Message{
			provider.TextMessage(provider.RoleUser, sb.String()),
		},
		ToolMode: provider.ToolsNone,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	return parseFacts(response.Text()), nil
}

// parseFacts reads "- fact" lines, dropping anything else.
func parseFacts(text string) []string {
	var facts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		fact := strings.TrimSpace(strings.TrimPrefix(line, "- "))
		if fact == "" || utf8.RuneCountInString(fact) > maxFactLength {
			continue
		}
		facts = append(facts, fact)
	}
	return facts
}
