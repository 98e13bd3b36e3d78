// Package mailfetch defines the mailbox-fetcher interface the run
// controller drives and provides an in-memory fixture implementation for
// tests. The real SOAP/NTLM Exchange transport lives outside this repo;
// this package is only the narrow shape the pipeline actually consumes.
package mailfetch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// ErrRetryable marks a fetch failure the caller should retry (transient
// network condition). Errors not wrapping this sentinel are treated as
// non-retryable auth/config failures.
var ErrRetryable = errors.New("mailfetch: retryable fetch error")

// Fetcher yields Message records for one mailbox, supporting both
// incremental sync from an opaque watermark token and a full sweep over a
// lookback window.
type Fetcher interface {
	// FetchSince streams messages received after the position the
	// watermark token encodes. An empty token means "no watermark yet";
	// implementations should then behave like FullSweep(ctx, now-24h).
	FetchSince(ctx context.Context, watermarkToken []byte) ([]digestmodel.Message, error)

	// FullSweep streams every message received since 'since', used for the
	// watermark-corruption recovery path.
	FullSweep(ctx context.Context, since time.Time) ([]digestmodel.Message, error)

	// Advance returns the opaque watermark token that should be persisted
	// after a successful fetch of the given messages (e.g. the max
	// received_at/changekey pair, encoded however the transport likes).
	Advance(fetched []digestmodel.Message) []byte
}

// FixtureFetcher is an in-memory Fetcher backed by a fixed slice, used by
// tests and examples in place of the real Exchange transport.
type FixtureFetcher struct {
	Messages []digestmodel.Message
	// FailNext, if set, makes the next Fetch* call return this error
	// (consumed once) so tests can exercise retry/failure paths.
	FailNext error
}

func (f *FixtureFetcher) takeFailure() error {
	if f.FailNext == nil {
		return nil
	}
	err := f.FailNext
	f.FailNext = nil
	return err
}

// watermarkCutoff decodes the fixture's token format: an RFC3339 timestamp,
// or empty for "no watermark".
func watermarkCutoff(token []byte) (time.Time, bool) {
	if len(token) == 0 {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, string(token))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FetchSince returns messages with ReceivedAt strictly after the
// watermark's cutoff, sorted by ReceivedAt ascending. With no watermark, it
// behaves like a full sweep over the last 24h relative to the newest
// message in the fixture (tests supply their own clock via message
// timestamps, not time.Now, to stay deterministic).
func (f *FixtureFetcher) FetchSince(ctx context.Context, watermarkToken []byte) ([]digestmodel.Message, error) {
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff, ok := watermarkCutoff(watermarkToken)
	if !ok {
		newest := newestReceivedAt(f.Messages)
		cutoff = newest.Add(-24 * time.Hour)
	}
	return selectSince(f.Messages, cutoff), nil
}

// FullSweep returns every message received at or after since.
func (f *FixtureFetcher) FullSweep(ctx context.Context, since time.Time) ([]digestmodel.Message, error) {
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return selectSince(f.Messages, since.Add(-time.Nanosecond)), nil
}

// Advance returns the RFC3339-encoded timestamp of the newest fetched
// message, or nil if fetched is empty (watermark unchanged).
func (f *FixtureFetcher) Advance(fetched []digestmodel.Message) []byte {
	if len(fetched) == 0 {
		return nil
	}
	newest := newestReceivedAt(fetched)
	return []byte(newest.Format(time.RFC3339))
}

func selectSince(msgs []digestmodel.Message, cutoff time.Time) []digestmodel.Message {
	var out []digestmodel.Message
	for _, m := range msgs {
		if m.ReceivedAt.After(cutoff) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func newestReceivedAt(msgs []digestmodel.Message) time.Time {
	var newest time.Time
	for _, m := range msgs {
		if m.ReceivedAt.After(newest) {
			newest = m.ReceivedAt
		}
	}
	return newest
}

// DedupeByMsgIDChangekey removes duplicate messages by (msg_id, changekey),
// used by the run controller's full-sweep recovery path, where an overlapping
// lookback window fetches the same message more than once.
func DedupeByMsgIDChangekey(msgs []digestmodel.Message) []digestmodel.Message {
	seen := make(map[[2]string]bool, len(msgs))
	out := make([]digestmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		key := [2]string{m.MsgID, m.Changekey}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}
