package endpointpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLease_PicksLRUAmongFree(t *testing.T) {
	p := New([]string{"http://e1", "http://e2"})
	now := time.Now()
	p.now = func() time.Time { return now }

	l1, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, l1.EndpointID())
	l1.Release()

	now = now.Add(time.Second)
	l2, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, l2.EndpointID(), "endpoint 2 has an older lastUsedAt (zero value) and should win LRU")
	l2.Release()
}

func TestLease_TieBreaksByLowestID(t *testing.T) {
	p := New([]string{"http://e1", "http://e2", "http://e3"})
	l, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, l.EndpointID())
}

// S2: with 2 endpoints, concurrent leases never exceed 2 in flight, and a
// 3rd caller blocks until one is released.
func TestLease_BlocksWhenAllBusy_ThenUnblocksOnRelease(t *testing.T) {
	p := New([]string{"http://e1", "http://e2"})

	l1, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	l2, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)

	done := make(chan *Lease, 1)
	go func() {
		l, err := p.Lease(context.Background(), 2*time.Second)
		require.NoError(t, err)
		done <- l
	}()

	select {
	case <-done:
		t.Fatal("third lease should not have completed before a release")
	case <-time.After(100 * time.Millisecond):
	}

	l1.Release()

	select {
	case l3 := <-done:
		assert.Equal(t, 1, l3.EndpointID())
		l3.Release()
	case <-time.After(time.Second):
		t.Fatal("third lease should have completed after release")
	}
	l2.Release()
}

func TestLease_TimesOutWhenAllBusy(t *testing.T) {
	p := New([]string{"http://e1"})
	l1, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	defer l1.Release()

	_, err = p.Lease(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLease_NeverExceedsConcurrencyCap(t *testing.T) {
	p := New([]string{"http://e1", "http://e2"})
	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Lease(context.Background(), 2*time.Second)
			require.NoError(t, err)
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			l.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, int32(2))
}

// S3: endpoint 1 errors once; subsequent leases prefer endpoint 2 for at
// least 15s, and endpoint 1 is eligible again at t=16s.
func TestReportFailure_BacksOffThenRecovers(t *testing.T) {
	p := New([]string{"http://e1", "http://e2"})
	now := time.Now()
	p.now = func() time.Time { return now }

	l1, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, l1.EndpointID())
	p.ReportFailure(l1, false)
	l1.Release()

	now = now.Add(time.Second)
	l2, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, l2.EndpointID())
	l2.Release()

	now = now.Add(14 * time.Second) // t=15s since failure: still backed off
	l3, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, l3.EndpointID())
	l3.Release()

	now = now.Add(1500 * time.Millisecond) // t=16.5s: endpoint 1 eligible again
	l4, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, l4.EndpointID())
	l4.Release()
}

func TestReportFailure_BackoffDoublesOnTimeout(t *testing.T) {
	p := New([]string{"http://e1"})
	now := time.Now()
	p.now = func() time.Time { return now }

	l, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	p.ReportFailure(l, true)
	l.Release()

	ep := p.endpoints[0]
	assert.Equal(t, 30*time.Second, ep.errorUntil.Sub(now))
}

func TestReportFailure_ExponentialBackoffCapsAt300s(t *testing.T) {
	p := New([]string{"http://e1"})
	now := time.Now()
	p.now = func() time.Time { return now }

	var l *Lease
	var err error
	for i := 0; i < 10; i++ {
		l, err = p.Lease(context.Background(), time.Second)
		require.NoError(t, err)
		p.ReportFailure(l, false)
		l.Release()
		now = now.Add(301 * time.Second)
	}
	ep := p.endpoints[0]
	assert.LessOrEqual(t, ep.errorUntil.Sub(now), 300*time.Second)
}

func TestSucceed_ResetsErrorState(t *testing.T) {
	p := New([]string{"http://e1"})
	l, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	p.ReportFailure(l, false)
	l.Succeed()
	l.Release()

	ep := p.endpoints[0]
	assert.Equal(t, 0, ep.errorCount)
	assert.True(t, ep.errorUntil.IsZero())
}

func TestLease_AllErroredPool_SelectsAnywayRatherThanBlocking(t *testing.T) {
	p := New([]string{"http://e1", "http://e2"})
	now := time.Now()
	p.now = func() time.Time { return now }

	for _, url := range []string{"http://e1", "http://e2"} {
		_ = url
		l, err := p.Lease(context.Background(), time.Second)
		require.NoError(t, err)
		p.ReportFailure(l, false)
		l.Release()
	}

	start := time.Now()
	l, err := p.Lease(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	l.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	p := New([]string{"http://e1"})
	l, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	l.Release()
	l.Release()
}

func TestSnapshot_NeverLeaksURLs(t *testing.T) {
	p := New([]string{"http://secret-worker-1"})
	l, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Busy)
	l.Release()
}
