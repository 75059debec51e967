package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/omnichat/omnichat/internal/apperr"
)

func TestStreamRegistry_OneStreamPerConversation(t *testing.T) {
	r := NewStreamRegistry()

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
		conflicts int
	)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(uid uint64) {
			defer wg.Done()
			id, _, err := r.Register(context.Background(), "conv-1", uid)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded = append(succeeded, id)
				return
			}
			if errors.Is(err, apperr.StreamConflict()) {
				conflicts++
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	if len(succeeded) != 1 {
		t.Fatalf("expected exactly 1 successful registration, got %d", len(succeeded))
	}
	if conflicts != attempts-1 {
		t.Fatalf("expected %d conflicts, got %d", attempts-1, conflicts)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 active stream, got %d", r.Len())
	}

	// freeing the conversation allows a new stream
	r.Deregister(succeeded[0])
	if _, _, err := r.Register(context.Background(), "conv-1", 1); err != nil {
		t.Fatalf("register after deregister: %v", err)
	}
}

func TestStreamRegistry_CancelSignalsContext(t *testing.T) {
	r := NewStreamRegistry()

	id, ctx, err := r.Register(context.Background(), "conv-1", 42)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Cancel(id, 42, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("context not cancelled")
	}

	// cancel is not deregistration: the entry stays until the owner cleans up
	if r.Get(id) == nil {
		t.Fatalf("stream record removed by cancel")
	}
}

func TestStreamRegistry_CancelAuthorization(t *testing.T) {
	r := NewStreamRegistry()

	id, _, err := r.Register(context.Background(), "conv-1", 42)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Cancel(id, 7, false); !errors.Is(err, apperr.Forbidden("")) {
		t.Fatalf("expected forbidden for foreign user, got %v", err)
	}
	if err := r.Cancel(id, 7, true); err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if err := r.Cancel("missing", 42, false); !errors.Is(err, apperr.StreamNotFound()) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStreamRegistry_DeregisterIdempotent(t *testing.T) {
	r := NewStreamRegistry()

	id, ctx, err := r.Register(context.Background(), "conv-1", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if s := r.Deregister(id); s == nil || s.ConversationID != "conv-1" {
		t.Fatalf("first deregister returned %+v", s)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("deregister must cancel the stream context")
	}
	if s := r.Deregister(id); s != nil {
		t.Fatalf("second deregister returned %+v", s)
	}
	if r.Active("conv-1") {
		t.Fatalf("conversation still marked active")
	}
}
