package spinning

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer is a bytes.Buffer safe for concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinnerNotAnimated(t *testing.T) {
	w := &syncBuffer{}
	s := newOn(context.Background(), w, "evaluating", false)
	elapsed := s.Done()
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	assert.Equal(t, "evaluating \n", w.String())

	// Done is idempotent.
	s.Done()
	assert.Equal(t, "evaluating \n", w.String())
}

func TestSpinnerAnimated(t *testing.T) {
	w := &syncBuffer{}
	s := newOn(context.Background(), w, "batches", true)
	time.Sleep(2 * Interval)
	s.Done()
	out := w.String()
	assert.True(t, strings.HasPrefix(out, "batches \033[?25l"))
	assert.True(t, strings.HasSuffix(out, "\033[?25h"))
	assert.Contains(t, out, "|\b")
}

func TestSpinnerStopsWithContext(t *testing.T) {
	w := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	s := newOn(ctx, w, "x", true)
	cancel()
	s.Done()
	assert.True(t, strings.HasSuffix(w.String(), "\033[?25h"))
}
