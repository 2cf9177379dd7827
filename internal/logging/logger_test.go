package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestComponentTagsRecords(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := New(zap.New(core))

	writer := l.Component(ComponentWriteBuffer)
	writer.Infof("drained %d entries", 3)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != ComponentWriteBuffer {
		t.Fatalf("expected component field %q, got %q", ComponentWriteBuffer, got)
	}
}

func TestFatalfInvokesHandler(t *testing.T) {
	core, _ := observer.New(zap.ErrorLevel)
	l := New(zap.New(core))

	var mu sync.Mutex
	var gotComponent, gotMsg string
	SetFatalHandler(l, func(component, msg string) {
		mu.Lock()
		defer mu.Unlock()
		gotComponent, gotMsg = component, msg
	})

	reorg := l.Component(ComponentReorg)
	reorg.Fatalf("checksum write failed on segment %d", 7)

	mu.Lock()
	defer mu.Unlock()
	if gotComponent != ComponentReorg {
		t.Fatalf("expected component %q, got %q", ComponentReorg, gotComponent)
	}
	if gotMsg != "checksum write failed on segment 7" {
		t.Fatalf("unexpected fatal message: %q", gotMsg)
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) != Discard {
		t.Fatal("expected Discard for nil logger")
	}
	core, _ := observer.New(zap.InfoLevel)
	l := New(zap.New(core))
	if OrDiscard(l) != l {
		t.Fatal("expected the same logger back when non-nil")
	}
}
