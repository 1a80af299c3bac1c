package api

// Walk calls fn for n and then, depth first, for every node reachable from it.
// Returning false from fn skips the node's descendants.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range Inputs(n) {
		Walk(c, fn)
	}
}

// Inputs returns the direct descendants of n in execution order.
func Inputs(n Node) []Node {
	var out []Node
	add := func(c Node) {
		if c != nil {
			out = append(out, c)
		}
	}
	switch n := n.(type) {
	case *CreateAndPopulateTempTable:
		add(n.Input)
	case *RelationalResultWrap:
		if n.SQL != nil {
			add(n.SQL)
		}
	case *Block:
		add(n.Body)
	case *Sequence:
		for _, c := range n.Nodes {
			add(c)
		}
	case *Allocation:
		add(n.Value)
	case *GraphFetchRoot:
		add(n.Source)
		out = append(out, n.Children...)
	case *GraphFetchClassChild:
		if n.SQL != nil {
			add(n.SQL)
		}
		out = append(out, n.Children...)
	case *GraphFetchPrimitiveChild:
		if n.SQL != nil {
			add(n.SQL)
		}
	case *GraphFetchCrossRoot:
		if n.SQL != nil {
			add(n.SQL)
		}
		out = append(out, n.Children...)
	}
	return out
}
