package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/store"
)

type recordingWriter struct {
	mu        sync.Mutex
	batches   [][]core.ChatMessage
	failAfter int
	failFirst int
	calls     int
}

func (r *recordingWriter) RecordChatMessagesBatch(_ context.Context, msgs []core.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	if r.calls <= r.failFirst {
		return fmt.Errorf("store unavailable")
	}
	r.batches = append(r.batches, append([]core.ChatMessage(nil), msgs...))
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func (r *recordingWriter) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func msg(user string) core.ChatMessage {
	return core.ChatMessage{
		ChannelID: 1,
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Platform:  core.PlatformTwitch,
		UserID:    user,
		UserName:  user,
		Message:   "hi",
	}
}

func TestChatBatcherBatchFlush(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{}
	b := NewChatBatcher(base, Options{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := b.Close(ctx); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := b.Add(ctx, msg("1")); err != nil {
		t.Fatalf("add1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := b.Add(ctx, msg("2")); err != nil {
		t.Fatalf("add2: %v", err)
	}
	if base.Count() != 2 || base.Batches() != 1 {
		t.Fatalf("expected one batch of 2, got %d messages in %d batches", base.Count(), base.Batches())
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty buffer, got %d", b.Pending())
	}
}

func TestChatBatcherSplitsLargeAdds(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{}
	b := NewChatBatcher(base, Options{BatchSize: 2})

	if err := b.Add(ctx, msg("1"), msg("2"), msg("3"), msg("4"), msg("5")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if base.Batches() != 2 || b.Pending() != 1 {
		t.Fatalf("expected 2 batches and 1 pending, got %d and %d", base.Batches(), b.Pending())
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if base.Count() != 5 {
		t.Fatalf("expected 5 written, got %d", base.Count())
	}
}

func TestChatBatcherFlushInterval(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{}
	b := NewChatBatcher(base, Options{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := b.Close(ctx); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := b.Add(ctx, msg("interval")); err != nil {
		t.Fatalf("add: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for base.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected timer flush, got %d", base.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatBatcherErrorPropagation(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{failAfter: 1}
	var flushed []error
	b := NewChatBatcher(base, Options{BatchSize: 1, OnFlush: func(_ int, _ time.Duration, err error) {
		flushed = append(flushed, err)
	}})
	defer func() {
		_ = b.Close(ctx)
	}()

	if err := b.Add(ctx, msg("err")); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
	if len(flushed) != 1 || flushed[0] == nil {
		t.Fatalf("expected one failed flush observation, got %v", flushed)
	}
}

func TestChatBatcherKeepsUnwrittenBatches(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{failFirst: 1}
	b := NewChatBatcher(base, Options{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		_ = b.Close(ctx)
	}()

	if err := b.Add(ctx, msg("a"), msg("b"), msg("c"), msg("d"), msg("e")); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
	if base.Count() != 0 || b.Pending() != 5 {
		t.Fatalf("expected all 5 messages buffered, got %d written and %d pending", base.Count(), b.Pending())
	}

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if base.Count() != 5 || b.Pending() != 0 {
		t.Fatalf("expected 5 written after recovery, got %d written and %d pending", base.Count(), b.Pending())
	}
	base.mu.Lock()
	first := base.batches[0]
	base.mu.Unlock()
	if first[0].UserID != "a" || first[1].UserID != "b" {
		t.Fatalf("expected original order, first batch %v", first)
	}
}

func TestChatBatcherFlushFailureKeepsMessages(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{failFirst: 1}
	b := NewChatBatcher(base, Options{BatchSize: 10})

	if err := b.Add(ctx, msg("1"), msg("2"), msg("3")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Flush(ctx); err == nil {
		t.Fatalf("expected flush error")
	}
	if b.Pending() != 3 {
		t.Fatalf("expected 3 pending after failed flush, got %d", b.Pending())
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 3 {
		t.Fatalf("expected close to write the retried messages, got %d", base.Count())
	}
}

func TestChatBatcherTimerRetriesFailedFlush(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{failFirst: 1}
	b := NewChatBatcher(base, Options{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		_ = b.Close(ctx)
	}()

	if err := b.Add(ctx, msg("timer")); err != nil {
		t.Fatalf("add: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for base.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected retried timer flush, got %d", base.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := b.Add(ctx, msg("next")); err == nil {
		t.Fatalf("expected the earlier timer failure to be reported")
	}
}

func TestChatBatcherIgnoresStaleTimer(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{}
	b := NewChatBatcher(base, Options{BatchSize: 10, FlushInterval: time.Hour})
	defer func() {
		_ = b.Close(ctx)
	}()

	if err := b.Add(ctx, msg("1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	b.mu.Lock()
	stale := b.timerGen - 1
	b.mu.Unlock()

	b.onTimer(stale)
	b.mu.Lock()
	armed := b.timer != nil
	b.mu.Unlock()
	if !armed || b.Pending() != 1 || base.Count() != 0 {
		t.Fatalf("stale timer acted: armed=%v pending=%d written=%d", armed, b.Pending(), base.Count())
	}
}

func TestChatBatcherRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{}
	b := NewChatBatcher(base, Options{BatchSize: 10})

	bad := msg("")
	err := b.Add(ctx, msg("ok"), bad)
	if !core.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if b.Pending() != 0 {
		t.Fatalf("invalid add must not buffer, got %d", b.Pending())
	}
}

func TestChatBatcherClosed(t *testing.T) {
	ctx := context.Background()
	base := &recordingWriter{}
	b := NewChatBatcher(base, Options{BatchSize: 10})
	if err := b.Add(ctx, msg("a")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 1 {
		t.Fatalf("close must flush, got %d", base.Count())
	}
	if err := b.Add(ctx, msg("b")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestChatBatcherWritesToStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "stats.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ch, err := s.UpsertChannel(ctx, core.Channel{Platform: core.PlatformTwitch, ChannelID: "alice"})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}

	b := NewChatBatcher(s, Options{BatchSize: 3})
	for i := 0; i < 4; i++ {
		m := msg(fmt.Sprintf("u%d", i))
		m.ChannelID = ch
		if err := b.Add(ctx, m); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	n, err := s.CountChatMessages(ctx, core.Filter{ChannelID: &ch}, store.ListOptions{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected first batch of 3 stored, got %d", n)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	n, err = s.CountChatMessages(ctx, core.Filter{ChannelID: &ch}, store.ListOptions{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 stored after close, got %d", n)
	}
}
