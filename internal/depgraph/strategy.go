package depgraph

// LogStrategy owns the mark bits and decides how much of the marking history
// is kept. All strategies mark the same set of nodes.
type LogStrategy[F any] interface {
	// MarkNode records that reasonNode (nil for roots) requires node and
	// reports whether node was not marked before.
	MarkNode(node, reasonNode Node[F], reason string) bool
	VisitLog(visitor LogVisitor[F])
}

type LogVisitor[F any] interface {
	VisitNode(node Node[F])
	VisitRootEdge(root Node[F], reason string)
	VisitEdge(from, to Node[F], reason string)
}

type edge[F any] struct {
	from   Node[F]
	to     Node[F]
	reason string
}

func visitEdge[F any](visitor LogVisitor[F], e edge[F]) {
	if e.from == nil {
		visitor.VisitRootEdge(e.to, e.reason)
		return
	}
	visitor.VisitEdge(e.from, e.to, e.reason)
}

// NoLogStrategy keeps only the mark bits.
type NoLogStrategy[F any] struct {
	marked map[Node[F]]struct{}
}

func NewNoLogStrategy[F any]() *NoLogStrategy[F] {
	return &NoLogStrategy[F]{marked: make(map[Node[F]]struct{})}
}

func (s *NoLogStrategy[F]) MarkNode(node, reasonNode Node[F], reason string) bool {
	if _, ok := s.marked[node]; ok {
		return false
	}
	s.marked[node] = struct{}{}
	return true
}

func (s *NoLogStrategy[F]) VisitLog(visitor LogVisitor[F]) {}

// FullGraphLogStrategy records every edge traversed, including edges to
// nodes that were already marked.
type FullGraphLogStrategy[F any] struct {
	marked map[Node[F]]struct{}
	order  []Node[F]
	edges  []edge[F]
}

func NewFullGraphLogStrategy[F any]() *FullGraphLogStrategy[F] {
	return &FullGraphLogStrategy[F]{marked: make(map[Node[F]]struct{})}
}

func (s *FullGraphLogStrategy[F]) MarkNode(node, reasonNode Node[F], reason string) bool {
	s.edges = append(s.edges, edge[F]{from: reasonNode, to: node, reason: reason})
	if _, ok := s.marked[node]; ok {
		return false
	}
	s.marked[node] = struct{}{}
	s.order = append(s.order, node)
	return true
}

func (s *FullGraphLogStrategy[F]) VisitLog(visitor LogVisitor[F]) {
	for _, node := range s.order {
		visitor.VisitNode(node)
	}
	for _, e := range s.edges {
		visitEdge(visitor, e)
	}
}

// FirstMarkLogStrategy records only the edge that first marked each node,
// which is enough to answer why a node is in the output.
type FirstMarkLogStrategy[F any] struct {
	first map[Node[F]]edge[F]
	order []Node[F]
}

func NewFirstMarkLogStrategy[F any]() *FirstMarkLogStrategy[F] {
	return &FirstMarkLogStrategy[F]{first: make(map[Node[F]]edge[F])}
}

func (s *FirstMarkLogStrategy[F]) MarkNode(node, reasonNode Node[F], reason string) bool {
	if _, ok := s.first[node]; ok {
		return false
	}
	s.first[node] = edge[F]{from: reasonNode, to: node, reason: reason}
	s.order = append(s.order, node)
	return true
}

func (s *FirstMarkLogStrategy[F]) VisitLog(visitor LogVisitor[F]) {
	for _, node := range s.order {
		visitor.VisitNode(node)
	}
	for _, node := range s.order {
		visitEdge(visitor, s.first[node])
	}
}

// WhyMarked walks first-mark edges back to a root and returns the chain of
// reasons, closest first.
func (s *FirstMarkLogStrategy[F]) WhyMarked(node Node[F]) []string {
	var reasons []string
	seen := make(map[Node[F]]struct{})
	for node != nil {
		if _, loop := seen[node]; loop {
			break
		}
		seen[node] = struct{}{}
		e, ok := s.first[node]
		if !ok {
			break
		}
		reasons = append(reasons, e.reason)
		node = e.from
	}
	return reasons
}
