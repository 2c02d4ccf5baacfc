package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/providers/providertest"
)

func TestDispatchParallel_FastestCancelsSlowBackend(t *testing.T) {
	a := providertest.New("A").WithDelay(300 * time.Millisecond)
	b := providertest.New("B").WithDelay(50 * time.Millisecond)
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b)

	start := time.Now()
	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Backends: []string{"A", "B"},
		Strategy: ParallelFastest,
		Timeout:  200 * time.Millisecond,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, 200*time.Millisecond)
	require.NotNil(t, res.PrimaryResponse)
	assert.Equal(t, "ok from B", res.PrimaryResponse.Message.Content)
	assert.Equal(t, []string{"B"}, res.SuccessfulBackends)
	assert.Equal(t, []string{"A"}, res.CancelledBackends)
	assert.Empty(t, res.FailedBackends)
	assert.Equal(t, ParallelFastest, res.Strategy)

	assert.Eventually(t, func() bool {
		return r.Breaker("A").Health().ConsecutiveFailures == 0 && r.Breaker("A").Admits()
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchParallel_AllAccountsForEveryBackend(t *testing.T) {
	a := providertest.New("A")
	b := providertest.New("B").FailAlways(providers.NewNetworkError("B", "down", nil))
	c := providertest.New("C")
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b, c)
	r.Breaker("C").Defer(time.Hour)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{Strategy: ParallelAll})
	require.NoError(t, err)

	assert.Len(t, res.AllResponses, 1)
	assert.Equal(t, 3, len(res.AllResponses)+len(res.FailedBackends))
	assert.Equal(t, []string{"A"}, res.SuccessfulBackends)
	assert.Equal(t, []string{"C"}, res.SkippedBackends)
	assert.Equal(t, "ok from A", res.PrimaryResponse.Message.Content)
	assert.Zero(t, c.Calls())

	require.Len(t, res.FailedBackends, 2)
	assert.Equal(t, "B", res.FailedBackends[0].Backend)
	assert.False(t, res.FailedBackends[0].Skipped)
	assert.Equal(t, "C", res.FailedBackends[1].Backend)
	assert.True(t, res.FailedBackends[1].Skipped)
	assert.Equal(t, "req-1", res.RequestID)
}

func TestDispatchParallel_AllRunsConcurrently(t *testing.T) {
	fakes := []*providertest.Adapter{
		providertest.New("A").WithDelay(100 * time.Millisecond),
		providertest.New("B").WithDelay(100 * time.Millisecond),
		providertest.New("C").WithDelay(100 * time.Millisecond),
	}
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), fakes...)

	start := time.Now()
	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Len(t, res.SuccessfulBackends, 3)
	assert.Equal(t, ParallelAll, res.Strategy)
}

func TestDispatchParallel_AllWithTimeoutFailsUnsettledBackends(t *testing.T) {
	a := providertest.New("A").WithDelay(500 * time.Millisecond)
	b := providertest.New("B")
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Strategy: ParallelAll,
		Timeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, res.SuccessfulBackends)
	require.Len(t, res.FailedBackends, 1)
	assert.Equal(t, "A", res.FailedBackends[0].Backend)
	assert.Equal(t, 2, len(res.AllResponses)+len(res.FailedBackends))
}

func TestDispatchParallel_FirstReturnsWithoutWaiting(t *testing.T) {
	a := providertest.New("A").WithDelay(10 * time.Millisecond)
	b := providertest.New("B").WithDelay(200 * time.Millisecond)
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b)

	start := time.Now()
	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{Strategy: ParallelFirst})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, []string{"A"}, res.SuccessfulBackends)
	assert.Empty(t, res.CancelledBackends)

	// the loser keeps running and settles on its own breaker
	assert.Eventually(t, func() bool {
		return b.Calls() == 1 && r.Breaker("B").State() == breaker.StateClosed
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchParallel_FirstWithCancellation(t *testing.T) {
	a := providertest.New("A").WithDelay(10 * time.Millisecond)
	b := providertest.New("B").WithDelay(time.Second)
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Strategy:             ParallelFirst,
		CancelOnFirstSuccess: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.SuccessfulBackends)
	assert.Equal(t, []string{"B"}, res.CancelledBackends)
}

func TestDispatchParallel_FirstSkipsFailuresUntilSuccess(t *testing.T) {
	a := providertest.New("A").FailAlways(providers.NewNetworkError("A", "down", nil))
	b := providertest.New("B").WithDelay(30 * time.Millisecond)
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{Strategy: ParallelFirst})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.SuccessfulBackends)
	require.Len(t, res.FailedBackends, 1)
	assert.Equal(t, "A", res.FailedBackends[0].Backend)
}

func TestDispatchParallel_PanicIsIsolated(t *testing.T) {
	a := providertest.New("A").WithResponder(func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
		panic("adapter bug")
	})
	b := providertest.New("B")
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a, b)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{Strategy: ParallelAll})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, res.SuccessfulBackends)
	require.Len(t, res.FailedBackends, 1)
	assert.Equal(t, "A", res.FailedBackends[0].Backend)
	assert.Contains(t, res.FailedBackends[0].Error, "panicked")
	assert.Equal(t, 1, r.Breaker("A").Health().ConsecutiveFailures)
}

func TestDispatchParallel_CustomAggregator(t *testing.T) {
	short := providertest.New("short").WithResponder(func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Message: providers.Message{Role: providers.RoleAssistant, Content: "hi"}}, nil
	})
	long := providertest.New("long").WithResponder(func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Message: providers.Message{Role: providers.RoleAssistant, Content: "a much longer answer"}}, nil
	})
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), short, long)

	var seen []string
	longest := func(ctx context.Context, results []BackendResult) (*providers.ChatResponse, error) {
		var best *providers.ChatResponse
		for _, res := range results {
			seen = append(seen, res.Backend)
			if res.Err != nil {
				continue
			}
			if best == nil || len(res.Response.Message.Content) > len(best.Message.Content) {
				best = res.Response
			}
		}
		return best, nil
	}

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Strategy:   ParallelCustom,
		Aggregator: longest,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"short", "long"}, seen)
	assert.Equal(t, "a much longer answer", res.PrimaryResponse.Message.Content)

	failing := func(ctx context.Context, results []BackendResult) (*providers.ChatResponse, error) {
		return nil, errors.New("no consensus")
	}
	_, err = r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Strategy:   ParallelCustom,
		Aggregator: failing,
	})
	require.Error(t, err)
	assert.True(t, IsRouterError(err))
	assert.Contains(t, err.Error(), "no consensus")
}

func TestDispatchParallel_CustomAggregatorDecidesSuccess(t *testing.T) {
	netErr := providers.NewNetworkError("x", "down", nil)
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin),
		providertest.New("A").FailAlways(netErr),
		providertest.New("B").FailAlways(netErr),
	)

	degraded := func(ctx context.Context, results []BackendResult) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Message: providers.Message{Role: providers.RoleAssistant, Content: "degraded answer"},
		}, nil
	}
	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Strategy:   ParallelCustom,
		Aggregator: degraded,
	})
	require.NoError(t, err)
	require.NotNil(t, res.PrimaryResponse)
	assert.Equal(t, "degraded answer", res.PrimaryResponse.Message.Content)
	assert.Empty(t, res.SuccessfulBackends)
	assert.Len(t, res.FailedBackends, 2)

	empty := func(ctx context.Context, results []BackendResult) (*providers.ChatResponse, error) {
		return nil, nil
	}
	_, err = r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{
		Strategy:   ParallelCustom,
		Aggregator: empty,
	})
	assert.ErrorIs(t, err, ErrDispatchFailed)
}

func TestDispatchParallel_AllFail(t *testing.T) {
	netErr := providers.NewNetworkError("x", "down", nil)
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin),
		providertest.New("A").FailAlways(netErr),
		providertest.New("B").FailAlways(netErr),
	)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchFailed)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Len(t, de.Failures, 2)
	assert.Equal(t, "dispatch_failed", de.ErrorCode())
	require.NotNil(t, res)
	assert.Empty(t, res.SuccessfulBackends)
	assert.Nil(t, res.PrimaryResponse)
}

func TestDispatchParallel_InvalidOptions(t *testing.T) {
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), providertest.New("A"), providertest.New("B"))

	tests := []struct {
		name string
		opts ParallelOptions
		want error
	}{
		{name: "unknown strategy", opts: ParallelOptions{Strategy: "quorum"}, want: ErrInvalidRequest},
		{name: "custom without aggregator", opts: ParallelOptions{Strategy: ParallelCustom}, want: ErrInvalidRequest},
		{name: "unknown backend", opts: ParallelOptions{Backends: []string{"A", "Z"}}, want: ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.DispatchParallel(context.Background(), chatRequest(), tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDispatchParallel_DeduplicatesBackends(t *testing.T) {
	a := providertest.New("A")
	r := newTestRouter(t, testRouterConfig(StrategyRoundRobin), a)

	res, err := r.DispatchParallel(context.Background(), chatRequest(), ParallelOptions{Backends: []string{"A", "A"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.SuccessfulBackends)
	assert.Equal(t, 1, a.Calls())
}
