package conversations

import (
	"context"
	"strings"
)

// DefaultTopic labels a conversation whose first message could not be
// labeled.
const DefaultTopic = "New Conversation"

// TopicLabeler names a conversation. *Labeler satisfies it.
type TopicLabeler interface {
	Label(ctx context.Context, firstMessage string) (string, error)
}

// Start labels a new conversation from its first message and records
// its metadata. A labeling failure is logged and replaced by
// DefaultTopic; only a storage failure is returned.
func (s *Store) Start(ctx context.Context, labeler TopicLabeler, userID, firstMessage string) (*Metadata, error) {
	topic := DefaultTopic
	if labeler != nil && strings.TrimSpace(firstMessage) != "" {
		label, err := labeler.Label(ctx, firstMessage)
		if err != nil {
			s.logger.Warn("topic labeling failed, using default",
				"user_id", userID,
				"error", err,
			)
		} else {
			topic = label
		}
	}
	return s.Create(ctx, userID, topic)
}
