package coordinator

import (
	"strings"

	"github.com/otavioch/tandem/internal/bus"
	"github.com/otavioch/tandem/internal/model"
)

// scanMentions extracts @tokens from a message body. Tokens are
// terminated by whitespace and stripped of trailing punctuation.
func scanMentions(text string) []string {
	var tokens []string
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") || len(field) < 2 {
			continue
		}
		tok := strings.TrimRight(field[1:], ".,!?:;")
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// fanOutMentions resolves @tokens against the member list (id or display
// name, case-insensitive) and records a mention per resolvable member
// other than the author. A side artifact of the send path, never a
// reason for it to fail.
func (c *Coordinator) fanOutMentions(conv *model.Conversation, msg *model.Message) {
	if c.bus == nil {
		return
	}
	tokens := scanMentions(msg.Text)
	if len(tokens) == 0 {
		return
	}

	seen := make(map[string]bool)
	for _, tok := range tokens {
		uid := resolveMention(conv, tok)
		if uid == "" || uid == msg.SenderID || seen[uid] {
			continue
		}
		seen[uid] = true
		c.bus.Emit(bus.KindMessageMentioned, &bus.Mention{
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			MentionedID:    uid,
		})
	}
}

func resolveMention(conv *model.Conversation, token string) string {
	for _, uid := range conv.MemberIDs {
		if strings.EqualFold(uid, token) {
			return uid
		}
		if d, ok := conv.MemberDetails[uid]; ok && strings.EqualFold(d.DisplayName, token) {
			return uid
		}
	}
	return ""
}
