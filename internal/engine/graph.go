package engine

import (
	"context"
	"sort"

	"modver/internal/matcher"
	"modver/internal/model"
)

// GraphJob configures ReferenceGraph.
type GraphJob struct {
	Roots []model.ModuleVersion
	// Matcher marks matched paths and prunes the walk. Defaults to All.
	Matcher matcher.Matcher
	// Reentry defaults to ReentryAlways so every path is enumerated.
	Reentry *ReentryPolicy
}

// GraphNode is one module version of a reference graph.
type GraphNode struct {
	ModuleVersion model.ModuleVersion
	// Known is false for modules missing from the catalog.
	Known      bool
	References []*model.Reference
	// Paths counts the reference paths reaching the node.
	Paths int
}

// Edge is a reference between two managed module versions.
type Edge struct {
	From model.ModuleVersion
	To   model.ModuleVersion
}

// Graph is the read-only reference graph reachable from a set of roots.
type Graph struct {
	Roots   []model.ModuleVersion
	Nodes   map[model.ModuleVersion]*GraphNode
	Edges   []Edge
	Matched []*model.ReferencePath
	edges   map[Edge]bool
}

// SortedNodes returns the nodes ordered by module version.
func (g *Graph) SortedNodes() []*GraphNode {
	nodes := make([]*GraphNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, k int) bool {
		return nodes[i].ModuleVersion.String() < nodes[k].ModuleVersion.String()
	})
	return nodes
}

func (g *Graph) node(mv model.ModuleVersion) *GraphNode {
	n, ok := g.Nodes[mv]
	if !ok {
		n = &GraphNode{ModuleVersion: mv}
		g.Nodes[mv] = n
	}
	return n
}

func (g *Graph) addEdge(from, to model.ModuleVersion) {
	e := Edge{From: from, To: to}
	if g.edges[e] {
		return
	}
	g.edges[e] = true
	g.Edges = append(g.Edges, e)
}

// ReferenceGraph enumerates the references reachable from the roots without
// changing anything.
func (e *Engine) ReferenceGraph(ctx context.Context, job GraphJob) (*Graph, *Report, error) {
	if job.Matcher == nil {
		job.Matcher = matcher.All()
	}
	if err := validateRoots(job.Roots, job.Matcher); err != nil {
		return nil, nil, err
	}
	reentry := ReentryAlways
	if job.Reentry != nil {
		reentry = *job.Reentry
	}
	r := e.newRun(ctx, JobGraph, reentry)
	defer r.cancel()

	j := &graphJob{
		run:  r,
		opts: job,
		graph: &Graph{
			Roots: job.Roots,
			Nodes: make(map[model.ModuleVersion]*GraphNode),
			edges: make(map[Edge]bool),
		},
	}
	if err := r.runRoots(job.Roots, j.visit); err != nil {
		return j.graph, r.report(), err
	}
	return j.graph, r.report(), nil
}

type graphJob struct {
	*run
	opts  GraphJob
	graph *Graph
}

func (j *graphJob) visit(ref *model.Reference) (Result, error) {
	return j.withRef(ref, func(mv model.ModuleVersion) (Result, error) {
		n := j.graph.node(mv)
		n.Paths++
		if j.opts.Matcher.Matches(j.path) {
			j.graph.Matched = append(j.graph.Matched, j.path.Clone())
		}

		mod, err := j.module(mv.NodePath)
		if err != nil || mod == nil {
			return unchanged(), err
		}
		n.Known = true
		if !j.opts.Matcher.CanMatchChildren(j.path) || !j.enter(mv) {
			return unchanged(), nil
		}
		refs, err := j.references(mod, mv.Version)
		if err != nil {
			return unchanged(), err
		}
		n.References = refs
		for _, child := range refs {
			if child.IsManaged() {
				j.graph.addEdge(mv, *child.ModuleVersion)
			}
			if _, err := j.visit(child); err != nil {
				return unchanged(), err
			}
			if j.aborted() {
				break
			}
		}
		return unchanged(), nil
	})
}
