// Package dag declares task graphs and executes them.
//
// A graph is a set of tasks joined by typed edges. A task runs once every one of its
// inbound edges is satisfied, tasks with no inbound edges run immediately and tasks that
// become ready together run concurrently.
package dag

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Trigger is the condition an edge puts on its upstream task.
type Trigger int

const (
	// OnSuccess is satisfied when the upstream task succeeded.
	OnSuccess Trigger = iota
	// OnFailure is satisfied when the upstream task failed or could not run because of a failure.
	OnFailure
	// OnDone is satisfied by any terminal upstream state.
	OnDone
)

func (t Trigger) String() string {
	switch t {
	case OnSuccess:
		return "on_success"
	case OnFailure:
		return "on_failure"
	case OnDone:
		return "on_done"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// Task is a unit of work. Run must honor ctx cancellation.
type Task struct {
	Id  string
	Doc string
	Run func(ctx context.Context) error
}

type Edge struct {
	From    string
	To      string
	Trigger Trigger
}

// Graph is not safe for concurrent mutation, declare it fully before running it.
type Graph struct {
	Id       string
	Doc      string
	Schedule string
	Tags     []string

	tasks []Task
	edges []Edge
}

func New(id string) *Graph {
	return &Graph{Id: id}
}

// Add declares tasks, the declaration order is used to break ties in Order.
func (g *Graph) Add(tasks ...Task) *Graph {
	g.tasks = append(g.tasks, tasks...)
	return g
}

// Connect declares an edge from `from` to `to`.
func (g *Graph) Connect(from, to string, trigger Trigger) *Graph {
	g.edges = append(g.edges, Edge{From: from, To: to, Trigger: trigger})
	return g
}

// Chain declares on-success edges between consecutive ids, a >> b >> c.
func (g *Graph) Chain(ids ...string) *Graph {
	for i := 1; i < len(ids); i++ {
		g.Connect(ids[i-1], ids[i], OnSuccess)
	}
	return g
}

// FanIn declares on-success edges from every id in `from` to `to`, [a, b] >> c.
func (g *Graph) FanIn(from []string, to string) *Graph {
	for _, id := range from {
		g.Connect(id, to, OnSuccess)
	}
	return g
}

func (g *Graph) Tasks() []Task {
	return slices.Clone(g.tasks)
}

func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// Task looks up a task by id.
func (g *Graph) Task(id string) (Task, bool) {
	for _, t := range g.tasks {
		if t.Id == id {
			return t, true
		}
	}
	return Task{}, false
}

// Upstream returns the inbound edges of a task.
func (g *Graph) Upstream(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Validate rejects empty or duplicate ids, tasks without a Run function, edges to unknown
// tasks and cycles.
func (g *Graph) Validate() error {
	seen := map[string]struct{}{}
	for _, t := range g.tasks {
		if strings.TrimSpace(t.Id) == "" {
			return fmt.Errorf("graph %s: task with empty id", g.Id)
		}
		if _, ok := seen[t.Id]; ok {
			return fmt.Errorf("graph %s: duplicate task id %q", g.Id, t.Id)
		}
		if t.Run == nil {
			return fmt.Errorf("graph %s: task %q has no run function", g.Id, t.Id)
		}
		seen[t.Id] = struct{}{}
	}
	for _, e := range g.edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("graph %s: edge from unknown task %q", g.Id, e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("graph %s: edge to unknown task %q", g.Id, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("graph %s: task %q depends on itself", g.Id, e.From)
		}
	}
	return g.detectCycle()
}

func (g *Graph) downstream() map[string][]string {
	out := map[string][]string{}
	for _, e := range g.edges {
		out[e.From] = append(out[e.From], e.To)
	}
	return out
}

func (g *Graph) detectCycle() error {
	const (
		stateUnvisited = iota
		stateVisiting
		stateVisited
	)
	down := g.downstream()
	state := map[string]int{}
	var stack []string

	var visit func(string) error
	visit = func(node string) error {
		state[node] = stateVisiting
		stack = append(stack, node)
		for _, next := range down[node] {
			switch state[next] {
			case stateUnvisited:
				if err := visit(next); err != nil {
					return err
				}
			case stateVisiting:
				idx := slices.Index(stack, next)
				cycle := append(slices.Clone(stack[idx:]), next)
				return fmt.Errorf("graph %s: dependency cycle: %s", g.Id, strings.Join(cycle, " -> "))
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = stateVisited
		return nil
	}

	for _, t := range g.tasks {
		if state[t.Id] == stateUnvisited {
			if err := visit(t.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Order returns the task ids in a topological order, ties are broken by declaration order.
func (g *Graph) Order() ([]string, error) {
	err := g.Validate()
	if err != nil {
		return nil, err
	}

	indegree := map[string]int{}
	for _, e := range g.edges {
		indegree[e.To]++
	}
	down := g.downstream()

	position := map[string]int{}
	var queue []string
	for i, t := range g.tasks {
		position[t.Id] = i
		if indegree[t.Id] == 0 {
			queue = append(queue, t.Id)
		}
	}

	order := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		best := 0
		for i := 1; i < len(queue); i++ {
			if position[queue[i]] < position[queue[best]] {
				best = i
			}
		}
		node := queue[best]
		queue = slices.Delete(queue, best, best+1)
		order = append(order, node)

		for _, next := range down[node] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order, nil
}
