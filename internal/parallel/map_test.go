package parallel_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit int
		ctx   func(t *testing.T) context.Context
	}
	tCtx := func(t *testing.T) context.Context {
		t.Helper()
		return t.Context()
	}
	tmout1s := func(t *testing.T) context.Context {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}

	type then struct {
		elapsed time.Duration
		values  []int
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"limit 1", given{1, tCtx}, then{18 * time.Second, expected}},
		{"limit 10", given{10, tCtx}, then{10 * time.Second, expected}},
		{"limit 0 is 1", given{0, tCtx}, then{18 * time.Second, expected}},
		{"limit 1, cancel", given{1, tmout1s}, then{1500 * time.Millisecond, expected[:1]}},
		{"limit 10, cancel", given{10, tmout1s}, then{1500 * time.Millisecond, expected[:1]}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got []int
				for res := range parallel.NewMap(tt.given.ctx(t), tt.given.limit, f).Iter(slices.Values(input)) {
					if res.Err != nil {
						continue
					}
					require.Equal(t, input[res.Index], time.Duration(res.Value))
					got = append(got, res.Value)
				}
				require.ElementsMatch(t, tt.then.values, got)
				require.Equal(t, tt.then.elapsed, time.Since(start))
			})
		})
	}
}

func TestMapErrorsAreResults(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := func(_ context.Context, s string) (string, error) {
		if s == "b" {
			return "", boom
		}
		return s + s, nil
	}
	var errs, ok int
	for res := range parallel.NewMap(t.Context(), 2, f).Iter(slices.Values([]string{"a", "b", "c"})) {
		if res.Err != nil {
			require.ErrorIs(t, res.Err, boom)
			require.Equal(t, 1, res.Index)
			errs++
			continue
		}
		ok++
	}
	require.Equal(t, 1, errs)
	require.Equal(t, 2, ok)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		f := func(ctx context.Context, i int) (int, error) {
			calls.Add(1)
			select {
			case <-time.After(time.Duration(i) * time.Second):
				return i, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		for res := range parallel.NewMap(t.Context(), 2, f).Iter(slices.Values([]int{1, 2, 3, 4, 5, 6})) {
			require.Equal(t, 1, res.Value)
			break
		}
		synctest.Wait()
		require.Less(t, calls.Load(), int32(6))
	})
}
