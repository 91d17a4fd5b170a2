package exchange

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestLocalNotifier(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	id := uuid.New()

	ch, cancel, err := n.Subscribe(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	other, cancelOther, _ := n.Subscribe(ctx, uuid.New())
	defer cancelOther()

	n.Publish(ctx, id)
	n.Publish(ctx, id)
	select {
	case <-ch:
	default:
		t.Fatal("subscriber not woken")
	}
	select {
	case <-other:
		t.Fatal("subscriber of another exchange woken")
	default:
	}

	cancel()
	cancel()
	if len(n.subs) != 1 {
		t.Fatalf("%d exchanges tracked after cancel, want 1", len(n.subs))
	}
	n.Publish(ctx, id)
}
