package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomflow/loom/resilience"
	"github.com/loomflow/loom/store/mem"
	"github.com/loomflow/loom/types"
)

func newTestOptions() *types.Options {
	opts := types.NewOptions()
	opts.MemStore = true
	opts.NodeTimeout = 2 * time.Second
	opts.BackoffStrategy = resilience.StrategyFixed
	opts.BackoffBase = time.Millisecond
	opts.BackoffJitter = false
	return opts
}

func newTestEngine(opts *types.Options) *Engine {
	res := resilience.NewManager(resilience.Config{
		Timeout:  opts.NodeTimeout,
		Attempts: opts.RetryAttempts,
		Backoff:  resilience.Backoff{Strategy: resilience.StrategyFixed, Base: time.Millisecond},
	}, resilience.NewLedger(100))
	return NewEngine(mem.NewMemStore(), res, opts)
}

// counters records handler invocations across concurrent waves.
type counters struct {
	mu sync.Mutex
	m  map[string]int
}

func newCounters() *counters {
	return &counters{m: make(map[string]int)}
}

func (c *counters) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name]++
}

func (c *counters) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

func TestLinearFlow(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	c := newCounters()
	def := &types.Definition{
		ID: "linear",
		Nodes: []*types.Node{
			{ID: "fetch", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				assert.True(t, len(ctx.GetInstanceID()) > 0)
				v, exists := input.GetString("param")
				assert.True(t, exists)
				assert.Equal(t, "show me the money", v)
				c.inc("fetch")
				return types.Data{"fetched": 42}, nil
			}},
			{ID: "transform", Kind: types.KindTask, DependsOn: []string{"fetch"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				// upstream output is visible both merged and keyed by node id
				v, _ := input.GetInt("fetched")
				assert.Equal(t, 42, v)
				up, exists := input.GetData("fetch")
				assert.True(t, exists)
				uv, _ := up.GetInt("fetched")
				assert.Equal(t, 42, uv)
				c.inc("transform")
				return types.Data{"transformed": true}, nil
			}},
			{ID: "publish", Kind: types.KindTask, DependsOn: []string{"transform"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				c.inc("publish")
				return types.Data{"published": true}, nil
			}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id, err := e.StartInstance(context.Background(), "linear", types.Data{"param": "show me the money"})
	assert.Nil(t, err)
	assert.NotEmpty(t, id)

	inst, err := e.WaitInstance(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.False(t, inst.EndedAt.IsZero())

	assert.Equal(t, 1, c.get("fetch"))
	assert.Equal(t, 1, c.get("transform"))
	assert.Equal(t, 1, c.get("publish"))

	for _, nodeID := range []string{"fetch", "transform", "publish"} {
		exec := inst.Executions[nodeID]
		assert.NotNil(t, exec, nodeID)
		assert.Equal(t, types.ExecutionCompleted, exec.Status, nodeID)
		assert.Equal(t, 0, exec.RetryCount, nodeID)
	}

	// every completed output accumulated into the variables
	v, _ := inst.Variables.GetInt("fetched")
	assert.Equal(t, 42, v)
	b, _ := inst.Variables.GetBool("published")
	assert.True(t, b)
}

func TestFinalizedOutputsSurviveLaterMerges(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	def := &types.Definition{
		ID: "nested-outputs",
		Nodes: []*types.Node{
			{ID: "first", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				return types.Data{"nested": map[string]any{"from": "first", "first_only": 1}}, nil
			}},
			{ID: "second", Kind: types.KindTask, DependsOn: []string{"first"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				return types.Data{"nested": map[string]any{"from": "second", "extra": true}}, nil
			}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id, err := e.StartInstance(context.Background(), def.ID, types.Data{})
	assert.Nil(t, err)
	inst, err := e.WaitInstance(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)

	// first's record keeps the output it finished with; second's merge
	// into the variable store must not reach back into it
	firstNested, ok := inst.Executions["first"].Output.GetData("nested")
	assert.True(t, ok)
	from, _ := firstNested.GetString("from")
	assert.Equal(t, "first", from)
	_, leaked := firstNested.Get("extra")
	assert.False(t, leaked)

	// while the variable store carries the merged view
	varNested, ok := inst.Variables.GetData("nested")
	assert.True(t, ok)
	from, _ = varNested.GetString("from")
	assert.Equal(t, "second", from)
	_, merged := varNested.Get("extra")
	assert.True(t, merged)
	kept, _ := varNested.GetInt("first_only")
	assert.Equal(t, 1, kept)
}

func TestDiamondFlow(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	def := &types.Definition{
		ID: "diamond",
		Nodes: []*types.Node{
			{ID: "begin", Kind: types.KindStart},
			{ID: "left", Kind: types.KindTask, DependsOn: []string{"begin"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				return types.Data{"from_left": "L"}, nil
			}},
			{ID: "right", Kind: types.KindTask, DependsOn: []string{"begin"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				return types.Data{"from_right": "R"}, nil
			}},
			{ID: "finish", Kind: types.KindEnd, DependsOn: []string{"left", "right"}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id, err := e.StartInstance(context.Background(), "diamond", types.Data{"seed": 1})
	assert.Nil(t, err)

	inst, err := e.WaitInstance(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)

	// the joining node only ran after both branches, and saw both outputs
	finish := inst.Executions["finish"]
	assert.Equal(t, types.ExecutionCompleted, finish.Status)
	l, _ := finish.Output.GetString("from_left")
	assert.Equal(t, "L", l)
	r, _ := finish.Output.GetString("from_right")
	assert.Equal(t, "R", r)

	left, exists := finish.Output.GetData("left")
	assert.True(t, exists)
	lv, _ := left.GetString("from_left")
	assert.Equal(t, "L", lv)
}

func TestJoinNode(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	def := &types.Definition{
		ID: "join",
		Nodes: []*types.Node{
			{ID: "a", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				return types.Data{"a_out": 1}, nil
			}},
			{ID: "b", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				return types.Data{"b_out": 2}, nil
			}},
			{ID: "merge", Kind: types.KindJoin, DependsOn: []string{"a", "b"}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id, err := e.StartInstance(context.Background(), "join", types.Data{})
	assert.Nil(t, err)
	inst, err := e.WaitInstance(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)

	merge := inst.Executions["merge"]
	assert.Equal(t, types.ExecutionCompleted, merge.Status)
	a, _ := merge.Output.GetInt("a_out")
	assert.Equal(t, 1, a)
	b, _ := merge.Output.GetInt("b_out")
	assert.Equal(t, 2, b)
}

func TestInstancesAreIndependent(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	def := &types.Definition{
		ID: "echo",
		Nodes: []*types.Node{
			{ID: "work", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				v, _ := input.GetString("who")
				return types.Data{"seen": v}, nil
			}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id1, err := e.StartInstance(context.Background(), "echo", types.Data{"who": "first"})
	assert.Nil(t, err)
	id2, err := e.StartInstance(context.Background(), "echo", types.Data{"who": "second"})
	assert.Nil(t, err)
	assert.NotEqual(t, id1, id2)

	inst1, err := e.WaitInstance(context.Background(), id1)
	assert.Nil(t, err)
	inst2, err := e.WaitInstance(context.Background(), id2)
	assert.Nil(t, err)

	assert.Equal(t, types.InstanceCompleted, inst1.Status)
	assert.Equal(t, types.InstanceCompleted, inst2.Status)
	v1, _ := inst1.Variables.GetString("seen")
	assert.Equal(t, "first", v1)
	v2, _ := inst2.Variables.GetString("seen")
	assert.Equal(t, "second", v2)
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	c := newCounters()
	entered := make(chan struct{})
	release := make(chan struct{})

	def := &types.Definition{
		ID: "pausable",
		Nodes: []*types.Node{
			{ID: "first", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				close(entered)
				<-release
				c.inc("first")
				return types.Data{}, nil
			}},
			{ID: "second", Kind: types.KindTask, DependsOn: []string{"first"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				c.inc("second")
				return types.Data{}, nil
			}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id, err := e.StartInstance(context.Background(), "pausable", types.Data{})
	assert.Nil(t, err)
	<-entered

	// pausing mid-wave lets the in-flight node finish but gates the next wave
	assert.Nil(t, e.PauseInstance(context.Background(), id))
	inst, err := e.GetInstanceStatus(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstancePaused, inst.Status)

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.get("first"))
	assert.Equal(t, 0, c.get("second"))

	assert.Nil(t, e.ResumeInstance(context.Background(), id))
	inst, err = e.WaitInstance(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, 1, c.get("second"))

	// lifecycle calls on a terminal instance are no-ops
	assert.Nil(t, e.PauseInstance(context.Background(), id))
	assert.Nil(t, e.ResumeInstance(context.Background(), id))
}

func TestCancelInstance(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	entered := make(chan struct{})
	def := &types.Definition{
		ID: "cancellable",
		Nodes: []*types.Node{
			{ID: "slow", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				close(entered)
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			{ID: "after", Kind: types.KindTask, DependsOn: []string{"slow"}, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) {
				t.Error("node after a cancelled wave must not run")
				return types.Data{}, nil
			}},
		},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	id, err := e.StartInstance(context.Background(), "cancellable", types.Data{})
	assert.Nil(t, err)
	<-entered

	assert.Nil(t, e.CancelInstance(context.Background(), id))
	inst, err := e.WaitInstance(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, types.InstanceCancelled, inst.Status)
	assert.False(t, inst.EndedAt.IsZero())

	// cancel is idempotent
	assert.Nil(t, e.CancelInstance(context.Background(), id))
}

func TestUnknownIDs(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	_, err := e.StartInstance(context.Background(), "nope", types.Data{})
	assert.NotNil(t, err)
	_, err = e.GetInstanceStatus(context.Background(), "nope")
	assert.NotNil(t, err)
	assert.NotNil(t, e.PauseInstance(context.Background(), "nope"))
	assert.NotNil(t, e.ResumeInstance(context.Background(), "nope"))
	assert.NotNil(t, e.CancelInstance(context.Background(), "nope"))
	_, err = e.RenderDefinition("nope")
	assert.NotNil(t, err)
}

func TestRegisterDefinitionDuplicate(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	def := &types.Definition{
		ID:    "dup",
		Nodes: []*types.Node{{ID: "only", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) { return input, nil }}},
	}
	assert.Nil(t, e.RegisterDefinition(def))
	assert.NotNil(t, e.RegisterDefinition(def))

	ids := e.ListDefinitionIDs()
	assert.Equal(t, []string{"dup"}, ids)
	got, exists := e.GetDefinition("dup")
	assert.True(t, exists)
	assert.NotNil(t, got)
}

func TestEngineClose(t *testing.T) {
	e := newTestEngine(newTestOptions())

	def := &types.Definition{
		ID:    "closing",
		Nodes: []*types.Node{{ID: "only", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) { return input, nil }}},
	}
	assert.Nil(t, e.RegisterDefinition(def))
	assert.Nil(t, e.Close(context.Background()))
	assert.Nil(t, e.Close(context.Background())) // idempotent

	assert.NotNil(t, e.RegisterDefinition(&types.Definition{ID: "late", Nodes: def.Nodes}))
	_, err := e.StartInstance(context.Background(), "closing", types.Data{})
	assert.NotNil(t, err)
}

func TestNodeStatsCounters(t *testing.T) {
	e := newTestEngine(newTestOptions())
	defer e.Close(context.Background())

	def := &types.Definition{
		ID:    "counted",
		Nodes: []*types.Node{{ID: "work", Kind: types.KindTask, Handler: func(ctx types.Context, input types.Data, config types.Data) (types.Data, error) { return input, nil }}},
	}
	assert.Nil(t, e.RegisterDefinition(def))

	for i := 0; i < 3; i++ {
		id, err := e.StartInstance(context.Background(), "counted", types.Data{})
		assert.Nil(t, err)
		_, err = e.WaitInstance(context.Background(), id)
		assert.Nil(t, err)
	}

	stats := e.NodeStats()
	assert.Len(t, stats, 1)
	assert.Equal(t, "counted.work", stats[0].NodeID)
	assert.Equal(t, int64(3), stats[0].SuccessTimes)
	assert.Equal(t, int64(0), stats[0].FailedTimes)
}
