package ring

import (
	"errors"
	"sync"
	"testing"

	"github.com/slyt3/strategist/internal/assert"
)

func quietAsserts(t *testing.T) {
	t.Helper()
	oldStrict, oldSuppress := assert.StrictMode, assert.SuppressLogs
	assert.StrictMode = false
	assert.SuppressLogs = true
	t.Cleanup(func() {
		assert.StrictMode = oldStrict
		assert.SuppressLogs = oldSuppress
	})
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	quietAsserts(t)

	for _, capacity := range []int{0, -1} {
		if _, err := New[int](capacity); err == nil {
			t.Errorf("expected error for capacity %d", capacity)
		}
	}
	buf, err := New[int](1)
	if err != nil || buf == nil {
		t.Fatalf("capacity 1 should work: %v", err)
	}
}

func TestFIFOAcrossWraparound(t *testing.T) {
	buf, err := New[int](3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := buf.Pop(); !errors.Is(err, ErrBufferEmpty) {
		t.Fatalf("pop on empty: got %v", err)
	}

	next := 0
	want := 0
	for round := 0; round < 5; round++ {
		for !buf.IsFull() {
			if err := buf.Push(next); err != nil {
				t.Fatalf("push %d: %v", next, err)
			}
			next++
		}
		if err := buf.Push(-1); !errors.Is(err, ErrBufferFull) {
			t.Fatalf("push on full: got %v", err)
		}
		for i := 0; i < 2; i++ {
			got, err := buf.Pop()
			if err != nil {
				t.Fatalf("pop: %v", err)
			}
			if got != want {
				t.Fatalf("round %d: got %d, want %d", round, got, want)
			}
			want++
		}
	}
	if buf.Len() != 1 || buf.Cap() != 3 {
		t.Fatalf("len/cap = %d/%d, want 1/3", buf.Len(), buf.Cap())
	}
}

func TestPopReleasesReference(t *testing.T) {
	type item struct{ n int }
	buf, err := New[*item](2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := buf.Push(&item{n: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := buf.Pop(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if buf.data[0] != nil {
		t.Fatalf("slot still references popped item")
	}
}

func TestConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 100
	buf, err := New[int](producers * perProducer)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := buf.Push(i); err != nil {
					t.Errorf("push: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if !buf.IsFull() {
		t.Fatalf("expected full buffer, len=%d", buf.Len())
	}
	for !buf.IsEmpty() {
		if _, err := buf.Pop(); err != nil {
			t.Fatalf("pop: %v", err)
		}
	}
}

func BenchmarkPushPop(b *testing.B) {
	buf, err := New[int](1024)
	if err != nil {
		b.Fatalf("new: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Push(i)
		_, _ = buf.Pop()
	}
}
