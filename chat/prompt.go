package chat

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-history/history"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = `You are a helpful gaming assistant. Conversations are grouped by topic, usually a game.

When earlier exchanges are included before the current question, use them to keep continuity,
but answer the current question. If the user refers to something older that is not included,
call search_history before saying you don't remember.`

const replyPreviewRunes = 100

// augment prepends the history block to the user's message.
func augment(historyContext, message string) string {
	return historyContext + "\n\n---\n\nCurrent question: " + message
}

// temporalReply summarizes the exchanges of a look-back window.
func temporalReply(scope string, hours int, records []*history.Record) string {
	if len(records) == 0 {
		return fmt.Sprintf("I don't have any conversation history from the last %d hours for %s.", hours, scope)
	}

	lines := make([]string, 0, len(records)*3)
	for _, r := range records {
		lines = append(lines,
			fmt.Sprintf("At %s:", r.Timestamp.Format("15:04")),
			"  You: "+r.UserMessage,
			"  Me: "+preview(r.AssistantResponse, replyPreviewRunes)+"...",
		)
	}
	return strings.Join(lines, "\n")
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

type searchHit struct {
	Timestamp         string  `json:"timestamp"`
	UserMessage       string  `json:"user_message"`
	AssistantResponse string  `json:"assistant_response"`
	Score             float32 `json:"score"`
}

func searchObservation(results []history.SearchResult) []searchHit {
	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, searchHit{
			Timestamp:         r.Record.Timestamp.Format("2006-01-02 15:04"),
			UserMessage:       r.Record.UserMessage,
			AssistantResponse: r.Record.AssistantResponse,
			Score:             r.Score,
		})
	}
	return hits
}
