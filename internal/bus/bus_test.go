package bus

import (
	"context"
	"testing"
	"time"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	ta, tb := NewDirectPair()
	kernel := New(ta)
	ui := New(tb)

	kernel.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go kernel.Run(ctx)
	go ui.Run(ctx)

	resp, err := ui.Request(ctx, "echo", "hello")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp != "hello" {
		t.Fatalf("expected echo, got %v", resp)
	}
}

func TestRequestUnknownMethod(t *testing.T) {
	ta, tb := NewDirectPair()
	kernel := New(ta)
	ui := New(tb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go kernel.Run(ctx)
	go ui.Run(ctx)

	_, err := ui.Request(ctx, "nope", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
}

func TestEventFanOut(t *testing.T) {
	ta, tb := NewDirectPair()
	kernel := New(ta)
	ui := New(tb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go kernel.Run(ctx)
	go ui.Run(ctx)

	sub := ui.Subscribe("turn")
	if err := kernel.EmitEvent("turn", map[string]any{"ok": true}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Topic != "turn" {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRequestFailsAfterClose(t *testing.T) {
	ta, tb := NewDirectPair()
	ui := New(tb)
	kernel := New(ta)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go kernel.Run(ctx)
	go ui.Run(ctx)

	kernel.Close()
	tb.Close()

	if _, err := ui.Request(ctx, "echo", nil); err == nil {
		t.Fatal("expected request to fail after transport close")
	}
}
