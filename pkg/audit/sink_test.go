package audit_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aegisfabric/governance/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLogger struct{ err error }

func (f *failingLogger) Record(ctx context.Context, eventType audit.EventType, action, resource string, metadata map[string]interface{}) error {
	return f.err
}
func (f *failingLogger) RecordEvent(ctx context.Context, evt audit.Event) error { return f.err }

type countingLogger struct {
	mu    sync.Mutex
	count int
}

func (c *countingLogger) Record(ctx context.Context, eventType audit.EventType, action, resource string, metadata map[string]interface{}) error {
	return c.RecordEvent(ctx, audit.Event{})
}
func (c *countingLogger) RecordEvent(ctx context.Context, evt audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAsyncSink_PersistsThroughBackingLogger(t *testing.T) {
	backing := &countingLogger{}
	s := audit.NewAsyncSink(backing, nil, 16, nil)
	defer s.Close()

	require.NoError(t, s.RecordEvent(context.Background(), audit.Event{Action: "do_thing"}))
	waitFor(t, func() bool { backing.mu.Lock(); defer backing.mu.Unlock(); return backing.count == 1 })
}

func TestAsyncSink_FallsBackOnBackingFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	var mu sync.Mutex
	syncBuf := &syncWriter{buf: buf, mu: &mu}
	fallback := audit.NewLoggerWithWriter(syncBuf)
	backing := &failingLogger{err: errors.New("db down")}

	s := audit.NewAsyncSink(backing, fallback, 16, nil)
	defer s.Close()

	require.NoError(t, s.RecordEvent(context.Background(), audit.Event{Action: "do_thing"}))
	waitFor(t, func() bool { return s.DegradedCount() == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "do_thing")
}

func TestAsyncSink_DropsOnBufferOverflow(t *testing.T) {
	block := make(chan struct{})
	backing := &blockingLogger{block: block}
	s := audit.NewAsyncSink(backing, &countingLogger{}, 1, nil)
	defer func() {
		close(block)
		s.Close()
	}()

	for i := 0; i < 10; i++ {
		_ = s.RecordEvent(context.Background(), audit.Event{Action: "flood"})
	}
	waitFor(t, func() bool { return s.DroppedCount() > 0 })
}

type blockingLogger struct{ block chan struct{} }

func (b *blockingLogger) Record(ctx context.Context, eventType audit.EventType, action, resource string, metadata map[string]interface{}) error {
	return b.RecordEvent(ctx, audit.Event{})
}
func (b *blockingLogger) RecordEvent(ctx context.Context, evt audit.Event) error {
	<-b.block
	return nil
}

type syncWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
