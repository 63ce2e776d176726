package memory

import (
	"context"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "scrape-finished", map[string]string{"status": "completed"}, map[string]string{"job_handle": "job-1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "other", "payload", nil)
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "scrape-finished" || msgs[1].Topic != "other" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}
	if string(msgs[0].Data) != `{"status":"completed"}` {
		t.Fatalf("unexpected payload %s", msgs[0].Data)
	}
	if msgs[0].Attributes["job_handle"] != "job-1" {
		t.Fatalf("attributes not recorded: %+v", msgs[0].Attributes)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	pub := New()
	if _, err := pub.Publish(context.Background(), "t", make(chan int), nil); err == nil {
		t.Fatal("expected marshal error")
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publish must not be recorded")
	}
}
