package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammazero/toposort"
)

// Stages groups item indexes into waves: an item lands in the first wave
// after all of its dependencies. Order within a wave follows the input.
func Stages(items []Item) ([][]int, error) {
	index := make(map[string]int, len(items))
	for i, item := range items {
		if _, dup := index[item.Name]; dup {
			return nil, fmt.Errorf("duplicate bulk item %q", item.Name)
		}
		index[item.Name] = i
	}

	edges := make([]toposort.Edge, 0)
	for _, item := range items {
		for _, dep := range item.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("bulk item %q depends on unknown item %q", item.Name, dep)
			}
			// dependency must come first
			edges = append(edges, toposort.Edge{dep, item.Name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("circular dependency between bulk items: %w", err)
	}

	level := make([]int, len(items))
	for _, v := range sorted {
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected type in topological sort result: %T", v)
		}
		i := index[name]
		for _, dep := range items[i].DependsOn {
			if l := level[index[dep]] + 1; l > level[i] {
				level[i] = l
			}
		}
	}

	var stages [][]int
	for i := range items {
		for len(stages) <= level[i] {
			stages = append(stages, nil)
		}
		stages[level[i]] = append(stages[level[i]], i)
	}
	return stages, nil
}

// RunStaged runs items wave by wave (see Stages), each wave with the same
// settle-all discipline as Run. Items whose dependency failed are not
// attempted and settle as failures. Invalid dependency graphs are returned
// as errors before anything runs.
func (o *Orchestrator) RunStaged(ctx context.Context, items []Item, action Action) ([]Result, error) {
	stages, err := Stages(items)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]Result, len(items))
	failedNames := make(map[string]bool)
	var machinery []error

	for n, stage := range stages {
		runnable := make([]Item, 0, len(stage))
		runnableIdx := make([]int, 0, len(stage))

		for _, i := range stage {
			item := items[i]
			if dep := firstFailed(item.DependsOn, failedNames); dep != "" {
				results[i] = failed(item, fmt.Sprintf("skipped: dependency %q failed", dep))
				failedNames[item.Name] = true
				o.settle(ctx, results[i], 0)
				continue
			}
			runnable = append(runnable, item)
			runnableIdx = append(runnableIdx, i)
		}

		o.logger.Debug().
			Int("stage", n+1).
			Int("stages", len(stages)).
			Int("runnable", len(runnable)).
			Msg("running bulk stage")

		stageResults, err := o.run(ctx, runnable, action)
		if err != nil {
			machinery = append(machinery, err)
		}
		for j, r := range stageResults {
			results[runnableIdx[j]] = r
			if !r.Success {
				failedNames[r.Name] = true
			}
		}
	}

	o.finish(results, time.Since(start))
	return results, errors.Join(machinery...)
}

func firstFailed(deps []string, failedNames map[string]bool) string {
	for _, dep := range deps {
		if failedNames[dep] {
			return dep
		}
	}
	return ""
}
