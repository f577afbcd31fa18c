package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

type recordingReporter struct {
	mu        sync.Mutex
	started   []string
	completed []Result
	total     int
	succeeded int
	finished  int
}

func (r *recordingReporter) OnStart(item Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, item.Name)
}

func (r *recordingReporter) OnComplete(result Result, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, result)
}

func (r *recordingReporter) OnFinish(total int, successCount int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	r.succeeded = successCount
	r.finished++
}

func items(names ...string) []Item {
	out := make([]Item, len(names))
	for i, name := range names {
		out[i] = Item{Name: name, Type: "instance", Href: "/1.0/instances/" + name}
	}
	return out
}

func TestRunSettlesEveryItem(t *testing.T) {
	reporter := &recordingReporter{}
	o := New(WithReporter(reporter))

	in := items("i1", "i2", "i3", "i4", "i5")
	results, err := o.Run(context.Background(), in, func(ctx context.Context, item Item) error {
		if item.Name == "i2" || item.Name == "i4" {
			return fmt.Errorf("%s refused", item.Name)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, results, 5)

	summary := Summarize(results)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 3, summary.Succeeded)
	assert.False(t, summary.AllSucceeded())

	for i, r := range results {
		assert.Equal(t, in[i].Name, r.Name, "results keep input order")
		assert.Equal(t, in[i].Href, r.Href)
	}
	assert.False(t, results[1].Success)
	assert.Equal(t, "i2 refused", results[1].Message)
	assert.False(t, results[3].Success)
	assert.True(t, results[0].Success)

	assert.Len(t, reporter.started, 5)
	assert.Len(t, reporter.completed, 5)
	assert.Equal(t, 1, reporter.finished)
	assert.Equal(t, 5, reporter.total)
	assert.Equal(t, 3, reporter.succeeded)
}

func TestRunWaitsForSlowItems(t *testing.T) {
	o := New()

	release := make(chan struct{})
	done := make(chan []Result, 1)

	go func() {
		results, _ := o.Run(context.Background(), items("fast-fail", "slow"), func(ctx context.Context, item Item) error {
			if item.Name == "fast-fail" {
				return errors.New("boom")
			}
			<-release
			return nil
		})
		done <- results
	}()

	select {
	case <-done:
		t.Fatal("run returned before every item settled")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case results := <-done:
		assert.False(t, results[0].Success)
		assert.True(t, results[1].Success)
	case <-time.After(time.Second):
		t.Fatal("run did not return after the slow item settled")
	}
}

func TestRunEmpty(t *testing.T) {
	reporter := &recordingReporter{}
	results, err := New(WithReporter(reporter)).Run(context.Background(), nil, func(context.Context, Item) error {
		t.Fatal("action must not be called")
		return nil
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, reporter.finished)
}

func TestRunIsUnboundedByDefault(t *testing.T) {
	const n = 8
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})

	go func() {
		// every action blocks until all of them are in flight at once
		started.Wait()
		close(release)
	}()

	results, err := New().Run(context.Background(), items("a", "b", "c", "d", "e", "f", "g", "h"), func(ctx context.Context, item Item) error {
		started.Done()
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("not all items were started together")
		}
	})

	require.NoError(t, err)
	assert.True(t, Summarize(results).AllSucceeded())
}

func TestRunConcurrencyCap(t *testing.T) {
	var inFlight, peak int32

	results, err := New(WithConcurrency(2)).Run(context.Background(), items("a", "b", "c", "d", "e", "f"), func(ctx context.Context, item Item) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunRecoversPanics(t *testing.T) {
	results, err := New().Run(context.Background(), items("ok", "bad"), func(ctx context.Context, item Item) error {
		if item.Name == "bad" {
			panic("nil map")
		}
		return nil
	})

	require.Error(t, err)
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "bad", panicErr.Item)

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Message, "panicked")
}

func TestRunPublishesSettledEvents(t *testing.T) {
	bus := core.NewMemoryEventBus(nil)

	var mu sync.Mutex
	var got []core.BulkItemEventData
	var wg sync.WaitGroup
	wg.Add(3)
	bus.Subscribe(core.EventBulkItemSettled, core.LifecycleHandlerFunc(func(ctx context.Context, event core.LifecycleEvent) error {
		defer wg.Done()
		data, ok := event.Data().(core.BulkItemEventData)
		if ok {
			mu.Lock()
			got = append(got, data)
			mu.Unlock()
		}
		return nil
	}))

	_, err := New(WithEventBus(bus)).Run(context.Background(), items("a", "b", "c"), func(ctx context.Context, item Item) error {
		if item.Name == "b" {
			return errors.New("no")
		}
		return nil
	})
	require.NoError(t, err)

	waitTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	failures := 0
	for _, d := range got {
		if !d.Success {
			failures++
			assert.Equal(t, "b", d.Name)
		}
	}
	assert.Equal(t, 1, failures)
}

func TestRunCancelledWhileQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	var once sync.Once
	results, err := New(WithConcurrency(1)).Run(ctx, items("first", "second"), func(ctx context.Context, item Item) error {
		once.Do(func() {
			cancel()
			close(block)
		})
		<-block
		return ctx.Err()
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestStages(t *testing.T) {
	in := []Item{
		{Name: "snap"},
		{Name: "copy", DependsOn: []string{"snap"}},
		{Name: "other"},
		{Name: "start", DependsOn: []string{"copy", "other"}},
	}

	stages, err := Stages(in)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1}, {3}}, stages)
}

func TestStagesErrors(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
		want  string
	}{
		{
			name:  "unknown dependency",
			items: []Item{{Name: "a", DependsOn: []string{"ghost"}}},
			want:  "unknown item",
		},
		{
			name:  "duplicate",
			items: []Item{{Name: "a"}, {Name: "a"}},
			want:  "duplicate",
		},
		{
			name: "cycle",
			items: []Item{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
			want: "circular dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Stages(tt.items)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunStaged(t *testing.T) {
	in := []Item{
		{Name: "base"},
		{Name: "broken"},
		{Name: "child", DependsOn: []string{"base"}},
		{Name: "orphan", DependsOn: []string{"broken"}},
		{Name: "grandchild", DependsOn: []string{"orphan"}},
	}

	var mu sync.Mutex
	var order []string
	reporter := &recordingReporter{}

	results, err := New(WithReporter(reporter)).RunStaged(context.Background(), in, func(ctx context.Context, item Item) error {
		mu.Lock()
		order = append(order, item.Name)
		mu.Unlock()
		if item.Name == "broken" {
			return errors.New("storage pool full")
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.False(t, results[3].Success)
	assert.Equal(t, `skipped: dependency "broken" failed`, results[3].Message)
	assert.False(t, results[4].Success)
	assert.Equal(t, `skipped: dependency "orphan" failed`, results[4].Message)

	assert.ElementsMatch(t, []string{"base", "broken", "child"}, order)
	assert.Equal(t, "child", order[2], "child runs after its stage")
	assert.Equal(t, 1, reporter.finished)
	assert.Equal(t, 5, reporter.total)
	assert.Equal(t, 2, reporter.succeeded)
}

func TestRunStagedRejectsCycles(t *testing.T) {
	called := false
	_, err := New().RunStaged(context.Background(), []Item{
		{Name: "a", DependsOn: []string{"a"}},
	}, func(context.Context, Item) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
}

func TestLogReporter(t *testing.T) {
	// must not panic on any path
	r := LogReporter{Logger: core.NopLogger{}}
	r.OnStart(Item{Name: "a"})
	r.OnComplete(Result{Name: "a", Success: true}, time.Millisecond)
	r.OnComplete(Result{Name: "a", Message: "x"}, time.Millisecond)
	r.OnFinish(1, 0, time.Millisecond)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for events")
	}
}

func TestItemKey(t *testing.T) {
	assert.Equal(t, "c1", Item{Name: "c1"}.Key())
	assert.Equal(t, "c1", Item{Name: "c1:stop", Resource: "c1"}.Key())
}
