package issue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kapub/internal/chrono"
	"kapub/internal/telemetry"

	"github.com/stretchr/testify/require"
)

type fakeAcquirer struct {
	time     chrono.TimeAPI
	document []byte

	// entered receives a value (without blocking) each time Acquire starts.
	entered chan struct{}
	// gate, if set, holds every Acquire until it is closed.
	gate chan struct{}

	mutex  sync.Mutex
	calls  int
	err    error
	bodies []*fakeBody
}

func (a *fakeAcquirer) Acquire(ctx context.Context) (*Issue, error) {
	a.mutex.Lock()
	a.calls++
	err := a.err
	a.mutex.Unlock()

	if a.entered != nil {
		select {
		case a.entered <- struct{}{}:
		default:
		}
	}
	if a.gate != nil {
		<-a.gate
	}
	if err != nil {
		return nil, err
	}

	body := newFakeBody(a.document)
	a.mutex.Lock()
	a.bodies = append(a.bodies, body)
	a.mutex.Unlock()

	return New(a.time.Now(), "token", int64(len(a.document)), body), nil
}

func (a *fakeAcquirer) Calls() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.calls
}

func (a *fakeAcquirer) Body(i int) *fakeBody {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.bodies[i]
}

func (a *fakeAcquirer) Fail(err error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.err = err
}

func newTestCache(acquirer *fakeAcquirer, options ...CacheOption) *Cache {
	clock := chrono.NewFakeTime(time.Date(2012, 1, 14, 6, 0, 0, 0, time.UTC))
	acquirer.time = clock
	if acquirer.document == nil {
		acquirer.document = makeDocument(256)
	}
	options = append([]CacheOption{
		WithTimeAPI(clock),
		WithTelemetryAPI(&telemetry.Recorder{}),
	}, options...)
	return NewCache(acquirer, options...)
}

func TestConsumeEmptyCache(t *testing.T) {
	cache := newTestCache(&fakeAcquirer{})
	_, _, err := cache.Consume()
	require.ErrorIs(t, err, ErrEmpty)
	require.Nil(t, cache.Current())
}

func TestConsumeOnce(t *testing.T) {
	acquirer := &fakeAcquirer{}
	cache := newTestCache(acquirer)
	defer cache.Close()

	issue, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)

	stream, length, err := cache.Consume()
	require.NoError(t, err)
	require.EqualValues(t, 256, length)
	require.Equal(t, issue, cache.Current())

	_, _, err = cache.Consume()
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	_, err = stream.CopyTo(context.Background(), &discardCounter{})
	require.NoError(t, err)

	_, _, err = cache.Consume()
	require.ErrorIs(t, err, ErrAlreadyConsumed)
}

type discardCounter struct {
	n int
}

func (d *discardCounter) Write(p []byte) (int, error) {
	d.n += len(p)
	return len(p), nil
}

func TestGetOrAcquireReusesHeldIssue(t *testing.T) {
	acquirer := &fakeAcquirer{}
	cache := newTestCache(acquirer)
	defer cache.Close()

	first, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	second, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, acquirer.Calls())
}

func TestConsumedIssueIsReplaced(t *testing.T) {
	acquirer := &fakeAcquirer{}
	cache := newTestCache(acquirer)
	defer cache.Close()

	first, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	stream, _, err := cache.Consume()
	require.NoError(t, err)

	second, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Same(t, second, cache.Current())
	require.Equal(t, 2, acquirer.Calls())

	// the replaced issue's stream is unusable
	require.True(t, acquirer.Body(0).Closed())
	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)

	_, length, err := cache.Consume()
	require.NoError(t, err)
	require.EqualValues(t, 256, length)
}

func TestStaleIssueIsReplaced(t *testing.T) {
	clock := chrono.NewFakeTime(time.Date(2012, 1, 14, 6, 0, 0, 0, time.UTC))
	acquirer := &fakeAcquirer{time: clock, document: makeDocument(16)}
	cache := NewCache(
		acquirer,
		WithTimeAPI(clock),
		WithTTL(time.Minute),
		WithTelemetryAPI(&telemetry.Recorder{}),
	)
	defer cache.Close()

	first, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	held, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	require.Same(t, first, held)

	clock.Advance(time.Second)
	second, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.True(t, acquirer.Body(0).Closed())
	require.Equal(t, 2, acquirer.Calls())
}

func TestZeroTTLKeepsIssue(t *testing.T) {
	clock := chrono.NewFakeTime(time.Now())
	acquirer := &fakeAcquirer{time: clock, document: makeDocument(16)}
	cache := NewCache(acquirer, WithTimeAPI(clock), WithTTL(0), WithTelemetryAPI(&telemetry.Recorder{}))
	defer cache.Close()

	first, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	second, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestFailedAcquisitionEmptiesSlot(t *testing.T) {
	acquirer := &fakeAcquirer{}
	tel := &telemetry.Recorder{}
	cache := newTestCache(acquirer, WithTelemetryAPI(tel))
	defer cache.Close()

	_, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	_, _, err = cache.Consume()
	require.NoError(t, err)

	portalDown := errors.New("portal down")
	acquirer.Fail(portalDown)

	_, err = cache.GetOrAcquire(context.Background())
	require.ErrorIs(t, err, portalDown)
	require.Nil(t, cache.Current())
	require.True(t, acquirer.Body(0).Closed())
	require.Len(t, tel.Reports("warning"), 1)

	_, _, err = cache.Consume()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestConcurrentRequestsShareOneAcquisition(t *testing.T) {
	acquirer := &fakeAcquirer{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	cache := newTestCache(acquirer)
	defer cache.Close()

	const callers = 8
	results := make([]*Issue, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrAcquire(context.Background())
		}(i)
	}

	<-acquirer.entered
	close(acquirer.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, 1, acquirer.Calls())
}

func TestWaiterGivingUpDoesNotAbortAcquisition(t *testing.T) {
	acquirer := &fakeAcquirer{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	cache := newTestCache(acquirer)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.GetOrAcquire(ctx)
		done <- err
	}()

	<-acquirer.entered
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(acquirer.gate)
	require.Eventually(t, func() bool {
		return cache.Current() != nil
	}, time.Second, 5*time.Millisecond)

	issue, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	require.Same(t, cache.Current(), issue)
	require.Equal(t, 1, acquirer.Calls())
}

func TestInvalidate(t *testing.T) {
	acquirer := &fakeAcquirer{}
	cache := newTestCache(acquirer)
	defer cache.Close()

	first, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	_, _, err = cache.Consume()
	require.NoError(t, err)

	second, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)

	// invalidating an issue that was already replaced leaves the slot alone
	cache.Invalidate(first)
	require.Same(t, second, cache.Current())

	cache.Invalidate(second)
	require.Nil(t, cache.Current())
	require.True(t, acquirer.Body(1).Closed())

	_, _, err = cache.Consume()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestConsumeIssueRequiresHeldIssue(t *testing.T) {
	acquirer := &fakeAcquirer{}
	cache := newTestCache(acquirer)
	defer cache.Close()

	first, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)
	_, _, err = cache.ConsumeIssue(first)
	require.NoError(t, err)

	second, err := cache.GetOrAcquire(context.Background())
	require.NoError(t, err)

	_, _, err = cache.ConsumeIssue(first)
	require.ErrorIs(t, err, ErrEmpty)
	require.False(t, second.Consumed())

	_, _, err = cache.ConsumeIssue(second)
	require.NoError(t, err)
	_, _, err = cache.ConsumeIssue(second)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
}
