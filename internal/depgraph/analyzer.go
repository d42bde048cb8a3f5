// Package depgraph implements the mark phase that decides which nodes of a
// dependency graph are required.
//
// Nodes describe their outgoing edges through StaticDependencies. Nodes that
// cannot answer that question until some work has been done on them (method
// bodies, which only know their dependencies after code generation) report
// StaticDependenciesAreComputed() == false; the analyzer collects them and
// passes them in batches to ComputeDependencyRoutine, then resumes marking
// with whatever edges the routine produced.
package depgraph

import (
	"errors"
	"fmt"
)

// Node is a vertex of the dependency graph. F is the context passed to
// dependency queries, usually the node factory that owns the nodes.
type Node[F any] interface {
	fmt.Stringer
	StaticDependenciesAreComputed() bool
	StaticDependencies(factory F) []DependencyListEntry[F]
}

type DependencyListEntry[F any] struct {
	Node   Node[F]
	Reason string
}

// ComputeDependencyRoutine realizes a batch of nodes whose dependencies are
// not yet known. After it returns nil every node in the batch must report
// StaticDependenciesAreComputed() == true.
type ComputeDependencyRoutine[F any] func(nodes []Node[F]) error

var ErrDependenciesNotComputed = errors.New("depgraph: dependency routine left node unrealized")

// Analyzer runs the mark phase. It is single-use: once MarkedNodeList has
// been called, adding roots is an error.
type Analyzer[F any] struct {
	factory  F
	strategy LogStrategy[F]

	ComputeDependencyRoutine ComputeDependencyRoutine[F]

	markStack []Node[F]
	marked    []Node[F]
	deferred  []Node[F]
	computed  bool
	err       error
}

func NewAnalyzer[F any](factory F, strategy LogStrategy[F]) *Analyzer[F] {
	if strategy == nil {
		strategy = NewNoLogStrategy[F]()
	}
	return &Analyzer[F]{
		factory:  factory,
		strategy: strategy,
	}
}

func (a *Analyzer[F]) Strategy() LogStrategy[F] {
	return a.strategy
}

// AddRoot seeds the mark phase with node.
func (a *Analyzer[F]) AddRoot(node Node[F], reason string) error {
	if a.computed {
		return fmt.Errorf("depgraph: cannot add root %s after marking completed", node)
	}
	a.addToMarkStack(node, nil, reason)
	return nil
}

func (a *Analyzer[F]) addToMarkStack(node, reasonNode Node[F], reason string) {
	if a.strategy.MarkNode(node, reasonNode, reason) {
		a.markStack = append(a.markStack, node)
		a.marked = append(a.marked, node)
	}
}

// MarkedNodeList runs the mark phase on first use and returns every
// reachable node in the order it was first discovered.
func (a *Analyzer[F]) MarkedNodeList() ([]Node[F], error) {
	if !a.computed {
		a.err = a.computeMarkedNodes()
		a.computed = true
	}
	if a.err != nil {
		return nil, a.err
	}
	return append([]Node[F](nil), a.marked...), nil
}

func (a *Analyzer[F]) computeMarkedNodes() error {
	for {
		for len(a.markStack) > 0 {
			node := a.markStack[len(a.markStack)-1]
			a.markStack = a.markStack[:len(a.markStack)-1]

			if !node.StaticDependenciesAreComputed() {
				a.deferred = append(a.deferred, node)
				continue
			}
			a.processNode(node)
		}

		if len(a.deferred) == 0 {
			return nil
		}
		if a.ComputeDependencyRoutine == nil {
			return fmt.Errorf("depgraph: %d nodes need dependency computation but no routine is attached", len(a.deferred))
		}

		batch := a.deferred
		a.deferred = nil
		if err := a.ComputeDependencyRoutine(batch); err != nil {
			return err
		}
		for _, node := range batch {
			if !node.StaticDependenciesAreComputed() {
				return fmt.Errorf("%w: %s", ErrDependenciesNotComputed, node)
			}
			a.processNode(node)
		}
	}
}

func (a *Analyzer[F]) processNode(node Node[F]) {
	for _, dep := range node.StaticDependencies(a.factory) {
		a.addToMarkStack(dep.Node, node, dep.Reason)
	}
}

// VisitLog replays the strategy's record of the marking.
func (a *Analyzer[F]) VisitLog(visitor LogVisitor[F]) {
	a.strategy.VisitLog(visitor)
}
