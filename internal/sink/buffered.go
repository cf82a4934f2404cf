// Package sink buffers chat messages and writes them to the store in
// batches. Each batch is one all-or-nothing transaction.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/streamstats/internal/core"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	timerFlushTimeout    = 30 * time.Second
)

var ErrClosed = errors.New("chat batcher closed")

// BatchWriter persists a batch atomically. *store.Store implements it.
type BatchWriter interface {
	RecordChatMessagesBatch(ctx context.Context, msgs []core.ChatMessage) error
}

// FlushFunc observes every batch write, successful or not.
type FlushFunc func(n int, d time.Duration, err error)

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
	OnFlush       FlushFunc
}

// ChatBatcher collects messages until BatchSize is reached or FlushInterval
// has passed since the first buffered message, whichever comes first.
type ChatBatcher struct {
	base          BatchWriter
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger
	onFlush       FlushFunc

	mu       sync.Mutex
	buffer   []core.ChatMessage
	timer    *time.Timer
	timerGen uint64
	closed   bool
	lastErr  error
}

func NewChatBatcher(base BatchWriter, opts Options) *ChatBatcher {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatBatcher{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
		log:           log,
		onFlush:       opts.OnFlush,
	}
}

// Add validates and buffers msgs, writing full batches inline. Batches that
// fail or were not reached stay buffered for the next flush. A failure of an
// earlier timer flush is reported by the next Add.
func (b *ChatBatcher) Add(ctx context.Context, msgs ...core.ChatMessage) error {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return errors.WithMessagef(err, "message %d", i)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	wasEmpty := len(b.buffer) == 0
	b.buffer = append(b.buffer, msgs...)
	if wasEmpty && len(b.buffer) > 0 {
		b.startTimerLocked()
	}

	var full []core.ChatMessage
	if n := len(b.buffer) / b.batchSize * b.batchSize; n > 0 {
		full = append(full, b.buffer[:n]...)
		b.buffer = b.buffer[n:]
	}
	if len(b.buffer) == 0 {
		b.buffer = nil
		b.stopTimerLocked()
	}
	b.mu.Unlock()

	if err := b.writeChunks(ctx, full); err != nil {
		return err
	}
	return pendingErr
}

// Flush writes everything buffered now.
func (b *ChatBatcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	msgs := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeChunks(ctx, msgs); err != nil {
		return err
	}
	return pendingErr
}

// Pending reports how many messages are buffered.
func (b *ChatBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Close flushes the buffer and rejects further writes. Messages it could not
// write stay buffered and a later Flush retries them.
func (b *ChatBatcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	msgs := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeChunks(ctx, msgs); err != nil {
		return err
	}
	return pendingErr
}

func (b *ChatBatcher) takeLocked() []core.ChatMessage {
	b.stopTimerLocked()
	msgs := b.buffer
	b.buffer = nil
	return msgs
}

// onTimer flushes the buffer for the timer of generation gen. A callback
// that lost the race with Flush or a newer timer does nothing.
func (b *ChatBatcher) onTimer(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.timerGen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	msgs := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerFlushTimeout)
	defer cancel()
	if err := b.writeChunks(ctx, msgs); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *ChatBatcher) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.timer = time.AfterFunc(b.flushInterval, func() { b.onTimer(gen) })
}

func (b *ChatBatcher) stopTimerLocked() {
	b.timerGen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// writeChunks writes msgs in batches of batchSize. On failure the failed
// batch and every batch after it go back to the head of the buffer.
func (b *ChatBatcher) writeChunks(ctx context.Context, msgs []core.ChatMessage) error {
	for len(msgs) > 0 {
		n := min(len(msgs), b.batchSize)
		if err := b.write(ctx, msgs[:n]); err != nil {
			b.requeue(msgs)
			return err
		}
		msgs = msgs[n:]
	}
	return nil
}

func (b *ChatBatcher) requeue(msgs []core.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]core.ChatMessage, 0, len(msgs)+len(b.buffer))
	buf = append(buf, msgs...)
	b.buffer = append(buf, b.buffer...)
	if !b.closed && b.timer == nil {
		b.startTimerLocked()
	}
	b.log.Warn("sink: batch requeued", zap.Int("messages", len(msgs)), zap.Int("pending", len(b.buffer)))
}

func (b *ChatBatcher) write(ctx context.Context, batch []core.ChatMessage) error {
	start := time.Now()
	err := b.base.RecordChatMessagesBatch(ctx, batch)
	if b.onFlush != nil {
		b.onFlush(len(batch), time.Since(start), err)
	}
	if err != nil {
		b.log.Error("sink: batch write failed", zap.Int("messages", len(batch)), zap.Error(err))
		return err
	}
	b.log.Debug("sink: batch written", zap.Int("messages", len(batch)))
	return nil
}
