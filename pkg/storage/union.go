package storage

import (
	"sort"
	"strings"

	"github.com/yysun/agent-world/pkg/models"
)

// DedupeAndSort collapses duplicate messageIds across agents' memories to
// one canonical copy and orders the result by timestamp then messageId.
// A human or agent message lands in every subscribed agent's memory; the
// union view must show it once. The author's own copy wins over ingested
// copies so assistant messages keep their original role.
func DedupeAndSort(msgs []*models.Message) []*models.Message {
	byID := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		prev, seen := byID[m.MessageID]
		if !seen || (ownCopy(m) && !ownCopy(prev)) {
			byID[m.MessageID] = m
		}
	}
	out := make([]*models.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// ownCopy reports whether this memory entry belongs to the message author.
func ownCopy(m *models.Message) bool {
	return m.AgentID != "" && strings.EqualFold(m.AgentID, m.Sender)
}
