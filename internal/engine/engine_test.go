package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/broadcast"
	"github.com/CZERTAINLY/scanjobs/internal/engine"
	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/CZERTAINLY/scanjobs/internal/router"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func scan(kind model.StrategyKind) model.ScanConfig {
	return model.ScanConfig{
		StartDate: "2024-01-01",
		EndDate:   "2024-02-01",
		Strategy:  kind,
		Source:    "print('scan')",
	}
}

func fixed(rows ...model.Row) router.StrategyFunc {
	return func(context.Context, model.ScanConfig, model.ProgressSink) ([]model.Row, error) {
		return rows, nil
	}
}

func newEngine(t *testing.T, s router.Strategies, opts ...engine.Option) *engine.Engine {
	t.Helper()
	r, err := router.New(router.DefaultTable(s))
	require.NoError(t, err)
	opts = append([]engine.Option{engine.WithMeter(noop.NewMeterProvider().Meter("test"))}, opts...)
	e := engine.New(r, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})
	return e
}

func TestRobustTimeoutFallsBackToDirect(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		robust := router.StrategyFunc(func(_ context.Context, _ model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
			sink.Report(20, "robust")
			time.Sleep(2 * time.Second)
			return []model.Row{{"symbol": "LATE"}}, nil
		})
		direct := fixed(
			model.Row{"symbol": "AAPL", "date": "2024-01-02"},
			model.Row{"ticker": "AAPL", "date": "2024-01-02T00:00:00"},
		)
		e := newEngine(t, router.Strategies{Robust: robust, Direct: direct, RobustTimeout: time.Second})

		id, err := e.Submit(t.Context(), scan(model.StrategyRobust))
		require.NoError(t, err)
		require.NoError(t, e.Wait(t.Context()))

		res, err := e.GetResults(id)
		require.NoError(t, err)
		require.Equal(t, model.StatusCompleted, res.Status)
		require.Equal(t, []model.Row{{"symbol": "AAPL", "date": "2024-01-02"}}, res.Results)
		require.Equal(t, 1.0, res.ExecutionTime)

		st, err := e.GetStatus(id)
		require.NoError(t, err)
		require.Equal(t, 100, st.Progress)
		require.Empty(t, e.ListActive())
		require.Len(t, e.ListCompleted(), 1)

		// the abandoned strategy must finish inside the bubble
		time.Sleep(2 * time.Second)
	})
}

func TestMalformedRowsComplete(t *testing.T) {
	t.Parallel()
	rows := []model.Row{{"close": 1.5}, {"close": 1.5}, {"note": "no key"}}
	e := newEngine(t, router.Strategies{Builtin: fixed(rows...)})

	id, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.NoError(t, e.Wait(t.Context()))

	res, err := e.GetResults(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.Status)
	require.Equal(t, rows, res.Results)
}

func TestCapacityExceeded(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	blocking := router.StrategyFunc(func(ctx context.Context, _ model.ScanConfig, _ model.ProgressSink) ([]model.Row, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	e := newEngine(t, router.Strategies{Builtin: blocking}, engine.WithCapacity(1))

	first, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	_, err = e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	active := e.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, first, active[0].ID)

	_, err = e.GetResults(first)
	require.ErrorIs(t, err, model.ErrInProgress)

	close(release)
	require.NoError(t, e.Wait(t.Context()))
	_, err = e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.NoError(t, e.Wait(t.Context()))
}

func TestSubmitRejectsWithoutSideEffects(t *testing.T) {
	t.Parallel()
	e := newEngine(t, router.Strategies{Builtin: fixed()})

	invalid := scan(model.StrategyBuiltin)
	invalid.EndDate = "2023-01-01"
	_, err := e.Submit(t.Context(), invalid)
	require.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = e.Submit(t.Context(), scan(model.StrategyTwoStage))
	require.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = e.Submit(t.Context(), scan(model.StrategyDirect))
	require.ErrorIs(t, err, model.ErrUnknownStrategy)

	require.Empty(t, e.ListActive())
	require.Empty(t, e.ListCompleted())

	_, err = e.GetStatus("missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.GetResults("missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorIs(t, e.Subscribe("missing", broadcast.NewChanObserver(1)), model.ErrNotFound)
}

func TestProgressEvents(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	subscribed := make(chan struct{})
	builtin := router.StrategyFunc(func(_ context.Context, _ model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
		close(started)
		<-subscribed
		sink.Report(10, "loading")
		sink.Report(5, "late duplicate")
		sink.Report(60, "analyzing")
		return []model.Row{{"symbol": "MSFT", "date": "2024-01-05"}}, nil
	})
	e := newEngine(t, router.Strategies{Builtin: builtin})

	id, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	<-started
	obs := broadcast.NewChanObserver(16)
	require.NoError(t, e.Subscribe(id, obs))
	close(subscribed)

	var events []model.Event
	for ev := range obs.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	require.Equal(t, []int{10, 60, 100}, []int{events[0].Progress, events[1].Progress, events[2].Progress})
	require.Equal(t, "analyzing", events[1].Message)
	last := events[2]
	require.True(t, last.Final)
	require.Equal(t, model.StatusCompleted, last.Status)
	require.Equal(t, []model.Row{{"symbol": "MSFT", "date": "2024-01-05"}}, last.Results)
	require.NoError(t, e.Wait(t.Context()))

	// late subscriber of a finished job gets the final event only
	late := broadcast.NewChanObserver(4)
	require.NoError(t, e.Subscribe(id, late))
	ev, ok := <-late.Events()
	require.True(t, ok)
	require.True(t, ev.Final)
	_, ok = <-late.Events()
	require.False(t, ok)
}

func TestFailedJob(t *testing.T) {
	t.Parallel()
	builtin := router.StrategyFunc(func(context.Context, model.ScanConfig, model.ProgressSink) ([]model.Row, error) {
		return nil, errors.New("no prices for range\nstack trace")
	})
	e := newEngine(t, router.Strategies{Builtin: builtin})

	id, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.NoError(t, e.Wait(t.Context()))

	res, err := e.GetResults(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusError, res.Status)
	require.Contains(t, res.Error, "no prices for range")
	require.Empty(t, res.Results)

	st, err := e.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, "failed: builtin: no prices for range", st.Message)
}

func TestDirectMarker(t *testing.T) {
	t.Parallel()
	direct := router.StrategyFunc(func(context.Context, model.ScanConfig, model.ProgressSink) ([]model.Row, error) {
		return nil, errors.New("SyntaxError")
	})
	e := newEngine(t, router.Strategies{Direct: direct})

	id, err := e.Submit(t.Context(), scan(model.StrategyDirect))
	require.NoError(t, err)
	require.NoError(t, e.Wait(t.Context()))

	res, err := e.GetResults(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.Status)
	require.Len(t, res.Results, 1)
	require.True(t, router.IsErrorMarker(res.Results[0]))
}

type panicking struct{}

func (panicking) Supports(model.StrategyKind) bool { return true }

func (panicking) Execute(context.Context, string, model.ScanConfig, model.ProgressSink) ([]model.Row, error) {
	panic("executor bug")
}

func TestExecutorPanic(t *testing.T) {
	t.Parallel()
	e := engine.New(panicking{}, engine.WithMeter(noop.NewMeterProvider().Meter("test")))
	id, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.NoError(t, e.Close(t.Context()))

	res, err := e.GetResults(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusError, res.Status)
	require.Contains(t, res.Error, engine.ErrJobPanic.Error())
}

type memorySink struct {
	mx     sync.Mutex
	jobs   []model.Job
	fail   bool
	closed bool
}

func (s *memorySink) Put(_ context.Context, job model.Job) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memorySink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	return nil
}

func TestSinks(t *testing.T) {
	t.Parallel()
	broken := &memorySink{fail: true}
	good := &memorySink{}
	r, err := router.New(router.DefaultTable(router.Strategies{Builtin: fixed(model.Row{"symbol": "X"})}))
	require.NoError(t, err)
	e := engine.New(r, engine.WithSinks(broken, good))

	id, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.NoError(t, e.Close(t.Context()))

	require.Len(t, good.jobs, 1)
	require.Equal(t, id, good.jobs[0].ID)
	require.Equal(t, model.StatusCompleted, good.jobs[0].Status)
	require.True(t, good.closed)
	require.True(t, broken.closed)

	res, err := e.GetResults(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.Status)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	builtin := router.StrategyFunc(func(ctx context.Context, _ model.ScanConfig, _ model.ProgressSink) ([]model.Row, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := router.New(router.DefaultTable(router.Strategies{Builtin: builtin}))
	require.NoError(t, err)
	e := engine.New(r)

	id, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Close(t.Context()))
	require.NoError(t, e.Close(t.Context()))

	st, err := e.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusError, st.Status)
	require.Contains(t, st.Error, router.ErrShuttingDown.Error())

	_, err = e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestConcurrentSubmits(t *testing.T) {
	t.Parallel()
	e := newEngine(t, router.Strategies{Builtin: fixed(model.Row{"symbol": "X"})}, engine.WithCapacity(4))

	var wg sync.WaitGroup
	var mx sync.Mutex
	var admitted, rejected int
	for range 32 {
		wg.Go(func() {
			_, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
			mx.Lock()
			defer mx.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, model.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()
	require.NoError(t, e.Wait(t.Context()))
	require.Equal(t, 32, admitted+rejected)
	require.GreaterOrEqual(t, admitted, 1)
	require.Len(t, e.ListCompleted(), admitted)
	require.Empty(t, e.ListActive())
}

type blockingSink struct {
	entered chan string
	release chan struct{}
}

func (s blockingSink) Put(ctx context.Context, job model.Job) error {
	s.entered <- job.ID
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowSinkDoesNotHoldCapacity(t *testing.T) {
	t.Parallel()
	sink := blockingSink{entered: make(chan string, 2), release: make(chan struct{})}
	e := newEngine(t, router.Strategies{Builtin: fixed(model.Row{"symbol": "X"})},
		engine.WithCapacity(1),
		engine.WithSinks(sink),
	)

	first, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.Equal(t, first, <-sink.entered)

	st, err := e.GetStatus(first)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, st.Status)
	require.Empty(t, e.ListActive())

	second, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	require.Equal(t, second, <-sink.entered)

	close(sink.release)
	require.NoError(t, e.Wait(t.Context()))
}

func TestWaitCanceled(t *testing.T) {
	// not parallel, goroutines of other tests would be reported
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := router.StrategyFunc(func(context.Context, model.ScanConfig, model.ProgressSink) ([]model.Row, error) {
		close(started)
		<-release
		return nil, nil
	})
	e := newEngine(t, router.Strategies{Builtin: blocking})

	_, err := e.Submit(t.Context(), scan(model.StrategyBuiltin))
	require.NoError(t, err)
	<-started

	ignore := goleak.IgnoreCurrent()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	for range 3 {
		require.ErrorIs(t, e.Wait(ctx), context.Canceled)
	}
	goleak.VerifyNone(t, ignore)

	close(release)
	require.NoError(t, e.Wait(t.Context()))
	require.NoError(t, e.Wait(t.Context()))
}
