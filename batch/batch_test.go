package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_IsolatesFailures(t *testing.T) {
	// GIVEN: five items, two of which fail
	items := []int{1, 2, 3, 4, 5}
	var failedItems []int
	var mu sync.Mutex

	// WHEN: running them
	res := Run(context.Background(), items, Options{Parallelism: 2}, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	}, func(n int, _ error) {
		mu.Lock()
		failedItems = append(failedItems, n)
		mu.Unlock()
	})

	// THEN: every item is processed and failures are counted, not raised
	assert.Equal(t, Result{Processed: 5, Succeeded: 3, Failed: 2}, res)
	assert.ElementsMatch(t, []int{2, 4}, failedItems)
}

func TestRun_RecoversPanics(t *testing.T) {
	var got error
	res := Run(context.Background(), []string{"a", "boom", "c"}, Options{}, func(_ context.Context, s string) error {
		if s == "boom" {
			panic("kaput")
		}
		return nil
	}, func(_ string, err error) { got = err })

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	var pe *PanicError
	require.ErrorAs(t, got, &pe)
	assert.Equal(t, "kaput", pe.Value)
}

func TestRun_ItemTimeoutDoesNotStallBatch(t *testing.T) {
	// GIVEN: one item that ignores its context and blocks
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	res := Run(context.Background(), []int{1, 2, 3}, Options{Parallelism: 1, ItemTimeout: 20 * time.Millisecond},
		func(_ context.Context, n int) error {
			if n == 2 {
				<-release
			}
			return nil
		}, nil)

	// THEN: the slow item is abandoned and the rest complete
	assert.Equal(t, Result{Processed: 3, Succeeded: 2, Failed: 1}, res)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("batch stalled for %s", elapsed)
	}
}

func TestRun_BoundsParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)

	Run(context.Background(), items, Options{Parallelism: 3}, func(_ context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, nil)

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRun_CancelledContextFailsRemainingItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called atomic.Int32
	res := Run(ctx, []int{1, 2}, Options{}, func(context.Context, int) error {
		called.Add(1)
		return nil
	}, nil)

	assert.Equal(t, int32(0), called.Load())
	assert.Equal(t, 2, res.Failed)
}

func TestResult_Add(t *testing.T) {
	r := Result{Processed: 1, Succeeded: 1}
	r.Add(Result{Processed: 2, Failed: 2})
	assert.Equal(t, Result{Processed: 3, Succeeded: 1, Failed: 2}, r)
}
