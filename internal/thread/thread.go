// Package thread buckets messages by conversation, orders them, filters
// service traffic, and down-samples deep threads, with an explicit
// deterministic sort rather than relying on map insertion order.
package thread

import (
	"regexp"
	"sort"
	"strings"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Options configures thread building.
type Options struct {
	// MaxMessagesPerThread down-samples deep threads to the most recent N.
	// Zero disables down-sampling.
	MaxMessagesPerThread int
}

var (
	postmasterRe   = regexp.MustCompile(`(?i)^postmaster@`)
	undeliverableRe = regexp.MustCompile(`(?i)(\b(undeliverable|delivery (status notification|has failed))\b|недоставлено)`)
	mailerDaemonRe = regexp.MustCompile(`(?i)mailer-daemon`)
)

// IsServiceTraffic reports whether a message looks like automated delivery
// noise rather than human correspondence.
func IsServiceTraffic(m digestmodel.Message) bool {
	if m.IsAutoSubmitted {
		return true
	}
	if postmasterRe.MatchString(strings.TrimSpace(m.Sender)) || mailerDaemonRe.MatchString(m.Sender) {
		return true
	}
	if undeliverableRe.MatchString(m.Subject) {
		return true
	}
	return false
}

// Thread is the ordered, filtered set of messages for one conversation.
type Thread struct {
	ConversationID string
	Messages       []digestmodel.Message
}

// Build buckets messages by ConversationID, orders each bucket by
// ReceivedAt ascending, drops service traffic, and down-samples threads
// deeper than opt.MaxMessagesPerThread to the most recent messages. The
// returned slice is sorted by ConversationID for determinism.
func Build(messages []digestmodel.Message, opt Options) []Thread {
	buckets := map[string][]digestmodel.Message{}
	for _, m := range messages {
		if IsServiceTraffic(m) {
			continue
		}
		buckets[m.ConversationID] = append(buckets[m.ConversationID], m)
	}

	ids := make([]string, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Thread, 0, len(ids))
	for _, id := range ids {
		msgs := buckets[id]
		sort.SliceStable(msgs, func(i, j int) bool {
			if msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
				return msgs[i].MsgID < msgs[j].MsgID
			}
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		})
		if opt.MaxMessagesPerThread > 0 && len(msgs) > opt.MaxMessagesPerThread {
			msgs = msgs[len(msgs)-opt.MaxMessagesPerThread:]
		}
		out = append(out, Thread{ConversationID: id, Messages: msgs})
	}
	return out
}
