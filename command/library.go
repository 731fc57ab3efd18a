package command

// CallGraph lists functions called by the function.
type CallGraph interface {
	Callees(addr uint64) []uint64
}

// PropagateLibrary calls mark for root and every function reachable from it, each exactly once.
// Cycles in the call graph are fine.
func PropagateLibrary(graph CallGraph, root uint64, mark func(addr uint64)) {
	visited := map[uint64]struct{}{root: {}}
	stack := []uint64{root}
	for len(stack) > 0 {
		addr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		mark(addr)

		for _, callee := range graph.Callees(addr) {
			if _, ok := visited[callee]; ok {
				continue
			}
			visited[callee] = struct{}{}
			stack = append(stack, callee)
		}
	}
}
