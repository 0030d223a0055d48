package conflict

import (
	"context"
	"sort"

	"github.com/agenthands/cardforge/internal/core/model"
)

// Cluster is a connected group of entities linked by pending conflicts.
// Resolving one conflict of a cluster often settles the others.
type Cluster struct {
	Entities    []model.EntityRef `json:"entities"`
	ConflictIDs []string          `json:"conflict_ids"`
}

func entityKey(e model.EntityRef) string {
	return string(e.Type) + ":" + e.ID
}

// Clusters groups conflicts into connected components of the graph whose
// nodes are entities and whose edges are conflicts. Components are returned
// largest first; each lists its entities and conflicts in a stable order.
func Clusters(conflicts []*model.Conflict) []Cluster {
	refs := make(map[string]model.EntityRef)
	adj := make(map[string][]string)
	byEntity := make(map[string][]string)
	var order []string

	for _, c := range conflicts {
		for i, e := range c.Entities {
			k := entityKey(e)
			if _, ok := refs[k]; !ok {
				refs[k] = e
				order = append(order, k)
			}
			byEntity[k] = append(byEntity[k], c.ID)
			for _, o := range c.Entities[i+1:] {
				ok := entityKey(o)
				adj[k] = append(adj[k], ok)
				adj[ok] = append(adj[ok], k)
			}
		}
	}

	visited := make(map[string]bool)
	var out []Cluster
	for _, k := range order {
		if visited[k] {
			continue
		}
		var component []string
		dfs(k, adj, visited, &component)
		sort.Strings(component)

		cl := Cluster{}
		seen := make(map[string]bool)
		for _, ek := range component {
			cl.Entities = append(cl.Entities, refs[ek])
			for _, id := range byEntity[ek] {
				if !seen[id] {
					seen[id] = true
					cl.ConflictIDs = append(cl.ConflictIDs, id)
				}
			}
		}
		sort.Strings(cl.ConflictIDs)
		out = append(out, cl)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].ConflictIDs) > len(out[j].ConflictIDs) })
	return out
}

func dfs(u string, adj map[string][]string, visited map[string]bool, component *[]string) {
	visited[u] = true
	*component = append(*component, u)
	for _, v := range adj[u] {
		if !visited[v] {
			dfs(v, adj, visited, component)
		}
	}
}

// PendingClusters clusters the conflicts still awaiting a decision.
func (d *Detector) PendingClusters(ctx context.Context) ([]Cluster, error) {
	pending, err := d.List(ctx, model.ConflictPending)
	if err != nil {
		return nil, err
	}
	return Clusters(pending), nil
}
