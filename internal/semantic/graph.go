package semantic

import (
	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// EdgeKind types a dependency edge.
type EdgeKind string

const (
	EdgeCalls      EdgeKind = "calls"
	EdgeImports    EdgeKind = "imports"
	EdgeUses       EdgeKind = "uses"
	EdgeImplements EdgeKind = "implements"
	EdgeOverrides  EdgeKind = "overrides"
	EdgeReferences EdgeKind = "references"
)

// Edge is one typed directed dependency between two units.
type Edge struct {
	SourceID string
	TargetID string
	Kind     EdgeKind
}

// Subgraph is the result of a dependency query.
type Subgraph struct {
	Units map[string]*CodeUnit
	Edges []Edge
}

// AddEdge inserts a typed edge. Both endpoints must exist; duplicates on
// (source, target, kind) collapse.
func (s *Store) AddEdge(sourceID, targetID string, kind EdgeKind) error {
	for _, id := range []string{sourceID, targetID} {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM code_units WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return cortexerr.NotFound("edge endpoint %s", id).WithContext("id", id)
		}
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO unit_edges (source_id, target_id, kind) VALUES (?, ?, ?)`,
		sourceID, targetID, string(kind))
	return err
}

// RemoveEdge deletes one typed edge.
func (s *Store) RemoveEdge(sourceID, targetID string, kind EdgeKind) error {
	_, err := s.db.Exec(`DELETE FROM unit_edges WHERE source_id = ? AND target_id = ? AND kind = ?`,
		sourceID, targetID, string(kind))
	return err
}

// EdgesFrom returns a unit's outgoing edges.
func (s *Store) EdgesFrom(id string) ([]Edge, error) {
	return s.queryEdges(`SELECT source_id, target_id, kind FROM unit_edges WHERE source_id = ?`, id)
}

// EdgesTo returns a unit's incoming edges.
func (s *Store) EdgesTo(id string) ([]Edge, error) {
	return s.queryEdges(`SELECT source_id, target_id, kind FROM unit_edges WHERE target_id = ?`, id)
}

func (s *Store) queryEdges(query string, args ...interface{}) ([]Edge, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		var e Edge
		var kind string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &kind); err != nil {
			continue
		}
		e.Kind = EdgeKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// FindReferences returns units that point at the given unit.
func (s *Store) FindReferences(id string) ([]*CodeUnit, error) {
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE id IN (SELECT source_id FROM unit_edges WHERE target_id = ?)`, id)
}

// FindDefinitions returns units the given unit points at.
func (s *Store) FindDefinitions(id string) ([]*CodeUnit, error) {
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE id IN (SELECT target_id FROM unit_edges WHERE source_id = ?)`, id)
}

// Dependencies returns the typed subgraph reachable from the seed ids
// along outgoing edges, up to maxDepth hops (0 = just the seeds).
func (s *Store) Dependencies(ids []string, maxDepth int) (*Subgraph, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Dependencies")
	defer timer.Stop()

	sub := &Subgraph{Units: make(map[string]*CodeUnit)}
	frontier := make([]string, 0, len(ids))
	for _, id := range ids {
		u, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		sub.Units[id] = u
		frontier = append(frontier, id)
	}

	seenEdges := make(map[Edge]bool)
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.EdgesFrom(id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !seenEdges[e] {
					seenEdges[e] = true
					sub.Edges = append(sub.Edges, e)
				}
				if _, ok := sub.Units[e.TargetID]; ok {
					continue
				}
				u, err := s.Get(e.TargetID)
				if err != nil {
					continue
				}
				sub.Units[e.TargetID] = u
				next = append(next, e.TargetID)
			}
		}
		frontier = next
	}
	return sub, nil
}

// Impact returns the ids of every unit reachable along reverse dependency
// edges from the given unit: the set that may break when it changes.
func (s *Store) Impact(id string) ([]string, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Impact")
	defer timer.Stop()

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []string
	for len(frontier) > 0 {
		var next []string
		for _, cur := range frontier {
			edges, err := s.EdgesTo(cur)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if visited[e.SourceID] {
					continue
				}
				visited[e.SourceID] = true
				out = append(out, e.SourceID)
				next = append(next, e.SourceID)
			}
		}
		frontier = next
	}
	return out, nil
}

// FindCycles returns strongly connected components of size > 1 using
// Tarjan's algorithm over the edge table.
func (s *Store) FindCycles(ws string) ([][]string, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "FindCycles")
	defer timer.Stop()

	adj := make(map[string][]string)
	rows, err := s.db.Query(`
		SELECT e.source_id, e.target_id FROM unit_edges e
		JOIN code_units u ON u.id = e.source_id
		WHERE u.workspace_id = ?`, ws)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]bool)
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			continue
		}
		adj[src] = append(adj[src], dst)
		nodes[src] = true
		nodes[dst] = true
	}
	rows.Close()

	// Tarjan SCC, iterative to stay safe on deep graphs.
	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var sccs [][]string
	counter := 0

	type frame struct {
		node string
		edge int
	}
	for start := range nodes {
		if _, ok := index[start]; ok {
			continue
		}
		callStack := []frame{{node: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(callStack) > 0 {
			f := &callStack[len(callStack)-1]
			if f.edge < len(adj[f.node]) {
				next := adj[f.node][f.edge]
				f.edge++
				if _, ok := index[next]; !ok {
					index[next] = counter
					lowlink[next] = counter
					counter++
					stack = append(stack, next)
					onStack[next] = true
					callStack = append(callStack, frame{node: next})
				} else if onStack[next] {
					if index[next] < lowlink[f.node] {
						lowlink[f.node] = index[next]
					}
				}
				continue
			}
			// Done with this node.
			if lowlink[f.node] == index[f.node] {
				var comp []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					comp = append(comp, top)
					if top == f.node {
						break
					}
				}
				if len(comp) > 1 {
					sccs = append(sccs, comp)
				}
			}
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := &callStack[len(callStack)-1]
				if lowlink[f.node] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[f.node]
				}
			}
		}
	}
	return sccs, nil
}
