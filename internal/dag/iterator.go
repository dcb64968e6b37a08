package dag

// VertexState is a vertex's position in an iterator's traversal.
type VertexState int

const (
	NotVisited VertexState = iota
	Busy
	Visited
)

// NextStatus distinguishes "a vertex is ready right now" from "nothing is
// ready yet, but the iteration is not exhausted" from "every vertex has
// been visited" -- the three outcomes of next_element in the reference.
type NextStatus int

const (
	Ready NextStatus = iota
	NoneReady
	Exhausted
)

// Iterator produces vertices of a DAG in topological order. With busy
// tracking enabled, Next reserves a vertex in the Busy state and the
// caller must call Leave once it has finished with it; this lets multiple
// workers claim distinct ready vertices concurrently while the iterator
// itself is driven from a single goroutine.
//
// Iterator is not safe for concurrent use: only the single driver
// goroutine calls Next/Leave.
type Iterator struct {
	dag         *DAG
	states      map[ID]VertexState
	nonVisited  map[ID]struct{}
	busyEnabled bool
}

// NewIterator returns an iterator over d. When busyEnabled, a vertex
// produced by Next moves to Busy and stays there until Leave is called;
// otherwise Next moves it directly to Visited.
func (d *DAG) NewIterator(busyEnabled bool) *Iterator {
	d.mu.RLock()
	defer d.mu.RUnlock()

	it := &Iterator{
		dag:         d,
		states:      make(map[ID]VertexState, len(d.vertices)),
		nonVisited:  make(map[ID]struct{}, len(d.vertices)),
		busyEnabled: busyEnabled,
	}
	for id := range d.vertices {
		it.states[id] = NotVisited
		it.nonVisited[id] = struct{}{}
	}
	return it
}

// Next returns the next vertex ready to be visited: NOT_VISITED with every
// predecessor VISITED. If no such vertex currently exists but some remain
// NOT_VISITED, it returns NoneReady (the caller should wait for in-flight
// work to complete before retrying). Once every vertex has been visited it
// returns Exhausted.
func (it *Iterator) Next() (id ID, payload any, predecessors []ID, status NextStatus) {
	if len(it.nonVisited) == 0 {
		return "", nil, nil, Exhausted
	}

	it.dag.mu.RLock()
	defer it.dag.mu.RUnlock()

	var found ID
	hasFound := false
	for k := range it.nonVisited {
		ready := true
		for p := range it.dag.vertices[k].predecessors {
			if it.states[p] != Visited {
				ready = false
				break
			}
		}
		if ready {
			found = k
			hasFound = true
			break
		}
	}

	if !hasFound {
		return "", nil, nil, NoneReady
	}

	if it.busyEnabled {
		it.states[found] = Busy
	} else {
		it.states[found] = Visited
	}
	delete(it.nonVisited, found)

	v := it.dag.vertices[found]
	preds := make([]ID, 0, len(v.predecessors))
	for p := range v.predecessors {
		preds = append(preds, p)
	}
	return found, v.payload, preds, Ready
}

// Leave transitions a Busy vertex to Visited. It panics if the vertex is
// not currently Busy, mirroring the reference implementation's assertion --
// this is a driver-internal invariant violation, not a caller input error.
func (it *Iterator) Leave(id ID) {
	if it.states[id] != Busy {
		panic("dag: Leave called on a vertex that is not Busy: " + id)
	}
	it.states[id] = Visited
}

// State returns the current traversal state of id.
func (it *Iterator) State(id ID) VertexState {
	return it.states[id]
}
