// Package window turns the tail of a room's message log into the role-tagged
// turns of a completion request.
package window

import (
	"github.com/bdobrica/kotoba/internal/kotoba/llm"
	"github.com/bdobrica/kotoba/internal/kotoba/msglog"
)

// Build maps each message to a turn, in input order. Messages sent by botID
// become assistant turns and everything else becomes a user turn. Nothing is
// filtered, merged or truncated; the caller sizes the window through the
// limit it passes to the log.
func Build(botID string, msgs []msglog.Message) []llm.Message {
	turns := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		role := llm.RoleUser
		if m.Sender == botID {
			role = llm.RoleAssistant
		}
		turns[i] = llm.Message{Role: role, Content: m.Text}
	}
	return turns
}
