package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hhu-bsinfo/dxlog/internal/catalog"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/primarylog"
	"github.com/hhu-bsinfo/dxlog/internal/secondarylog"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

func newTestScheduler(t *testing.T) (*Scheduler, catalog.Key, *secondarylog.Log) {
	t.Helper()
	dir := t.TempDir()

	primary, err := primarylog.Open(vfs.Default(), filepath.Join(dir, "primary.log"), 4096, logging.Discard)
	if err != nil {
		t.Fatalf("primarylog.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = primary.Close() })

	secCfg := secondarylog.Config{SegmentSize: 256, BufferSize: 32, InitialSegments: 1}
	sec, err := secondarylog.Open(vfs.Default(), filepath.Join(dir, "0001_0000.sec"), secCfg, logging.Discard)
	if err != nil {
		t.Fatalf("secondarylog.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = sec.Close() })

	s := New(primary, Config{}, logging.Discard)
	key := catalog.Key{Owner: 1, RangeID: 0}
	if err := s.Register(key, sec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return s, key, sec
}

func TestAppendPrimaryDelegates(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if err := s.AppendPrimary([]byte("hello")); err != nil {
		t.Fatalf("AppendPrimary failed: %v", err)
	}
}

func TestAppendSecondaryRejectsUnregisteredRange(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	err := s.AppendSecondary(99, 99, []byte("x"))
	if err != ErrRangeNotFound {
		t.Errorf("got %v, want ErrRangeNotFound", err)
	}
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	s, key, sec := newTestScheduler(t)
	if err := s.Register(key, sec); err != ErrAlreadyRegistered {
		t.Errorf("got %v, want ErrAlreadyRegistered", err)
	}
}

func TestWriteAndReorgTokensAreExclusive(t *testing.T) {
	s, key, _ := newTestScheduler(t)

	l, err := s.AcquireWriteToken(key)
	if err != nil {
		t.Fatalf("AcquireWriteToken failed: %v", err)
	}
	if l == nil {
		t.Fatal("expected non-nil log")
	}

	acquired := make(chan struct{})
	go func() {
		if _, err := s.AcquireReorgToken(key); err != nil {
			t.Errorf("AcquireReorgToken failed: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reorg token acquired while write token still held")
	case <-time.After(50 * time.Millisecond):
	}

	s.ReleaseWriteToken(key)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reorg token never acquired after write token released")
	}
	s.ReleaseReorgToken(key)
}

func TestUnregisterWaitsForOutstandingToken(t *testing.T) {
	s, key, _ := newTestScheduler(t)
	if _, err := s.AcquireWriteToken(key); err != nil {
		t.Fatalf("AcquireWriteToken failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := s.Unregister(key); err != nil {
			t.Errorf("Unregister failed: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Unregister returned before token was released")
	case <-time.After(50 * time.Millisecond):
	}

	s.ReleaseWriteToken(key)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unregister never returned")
	}
}

func TestRequestReorgUpgradesPriorityNotDowngrades(t *testing.T) {
	s, key, _ := newTestScheduler(t)
	s.RequestReorg(key, Low)
	s.RequestReorg(key, Low)
	if s.HasHigherPriorityWaiting(catalog.Key{Owner: 2, RangeID: 2}) {
		t.Error("Low priority alone should not report as \"higher priority waiting\"")
	}
	s.RequestReorg(key, High)
	if !s.HasHigherPriorityWaiting(catalog.Key{Owner: 2, RangeID: 2}) {
		t.Error("expected High request to be visible to a different range")
	}
	if s.HasHigherPriorityWaiting(key) {
		t.Error("a range's own pending request should not count as \"waiting\" for itself")
	}
}

func TestNextReorgRequestPrefersHighPriority(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	lowKey := catalog.Key{Owner: 1, RangeID: 1}
	highKey := catalog.Key{Owner: 1, RangeID: 2}
	s.RequestReorg(lowKey, Low)
	s.RequestReorg(highKey, High)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key, pri, ok := s.NextReorgRequest(ctx)
	if !ok {
		t.Fatal("NextReorgRequest returned !ok")
	}
	if key != highKey || pri != High {
		t.Errorf("got key=%v pri=%v, want highKey/High", key, pri)
	}
}

func TestNextReorgRequestBlocksUntilCancelled(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, ok := s.NextReorgRequest(ctx)
	if ok {
		t.Error("expected NextReorgRequest to time out with nothing queued")
	}
}

func TestSurveyAndEnqueueFindsOverUtilizedRange(t *testing.T) {
	s, key, sec := newTestScheduler(t)

	f := header.Fields{
		Type: header.Type{
			LocalIDWidth: 6,
			LengthWidth:  2,
			VersionWidth: 4,
		},
		LocalID: 1,
		Length:  200,
		Version: 1,
	}
	hdr, err := header.Serialize(f, header.Secondary, header.Config{})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	entry := append(hdr, make([]byte, 200)...)
	if err := sec.AppendDirect(entry); err != nil {
		t.Fatalf("AppendDirect failed: %v", err)
	}

	s.SurveyAndEnqueue()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gotKey, pri, ok := s.NextReorgRequest(ctx)
	if !ok {
		t.Fatal("expected a queued reorganization request after survey")
	}
	if gotKey != key || pri != Low {
		t.Errorf("got key=%v pri=%v, want %v/Low", gotKey, pri, key)
	}
}
