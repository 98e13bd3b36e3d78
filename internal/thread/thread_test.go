package thread

import (
	"testing"
	"time"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

func msg(id, conv, sender, subject string, t time.Time) digestmodel.Message {
	return digestmodel.Message{MsgID: id, ConversationID: conv, Sender: sender, Subject: subject, ReceivedAt: t}
}

func TestBuild_FiltersServiceTraffic(t *testing.T) {
	now := time.Now().UTC()
	in := []digestmodel.Message{
		msg("1", "c1", "boss@corp", "Budget", now),
		msg("2", "c1", "postmaster@corp", "Undeliverable: Budget", now.Add(time.Minute)),
	}
	out := Build(in, Options{})
	if len(out) != 1 || len(out[0].Messages) != 1 {
		t.Fatalf("expected service traffic dropped, got %+v", out)
	}
}

func TestBuild_OrdersByReceivedAt(t *testing.T) {
	now := time.Now().UTC()
	in := []digestmodel.Message{
		msg("2", "c1", "a@corp", "s", now.Add(time.Hour)),
		msg("1", "c1", "a@corp", "s", now),
	}
	out := Build(in, Options{})
	if out[0].Messages[0].MsgID != "1" || out[0].Messages[1].MsgID != "2" {
		t.Fatalf("expected chronological order, got %+v", out[0].Messages)
	}
}

func TestBuild_DownSamplesDeepThreads(t *testing.T) {
	now := time.Now().UTC()
	var in []digestmodel.Message
	for i := 0; i < 10; i++ {
		in = append(in, msg(string(rune('a'+i)), "c1", "a@corp", "s", now.Add(time.Duration(i)*time.Minute)))
	}
	out := Build(in, Options{MaxMessagesPerThread: 3})
	if len(out[0].Messages) != 3 {
		t.Fatalf("expected down-sample to 3, got %d", len(out[0].Messages))
	}
	if out[0].Messages[2].MsgID != string(rune('a'+9)) {
		t.Fatalf("expected most recent messages kept, got %+v", out[0].Messages)
	}
}

func TestIsServiceTraffic(t *testing.T) {
	if !IsServiceTraffic(msg("1", "c", "postmaster@corp.com", "s", time.Now())) {
		t.Fatal("expected postmaster sender to be service traffic")
	}
	if !IsServiceTraffic(msg("1", "c", "a@corp", "Undeliverable: hi", time.Now())) {
		t.Fatal("expected undeliverable subject to be service traffic")
	}
	if IsServiceTraffic(msg("1", "c", "a@corp", "hi", time.Now())) {
		t.Fatal("expected normal message to pass")
	}
}
