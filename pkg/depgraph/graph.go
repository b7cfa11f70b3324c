// Package depgraph is the service dependency graph of spec §4.3: upstream
// and downstream traversal and error-propagation-path discovery over the
// fleet's DEPENDS_ON edges. Cyclic dependencies are permitted in the data
// model; traversals tolerate them via visited-set bookkeeping (spec §9).
package depgraph

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Direction selects which edge direction dependencies() walks.
type Direction string

const (
	Upstream   Direction = "upstream"   // services this service depends on
	Downstream Direction = "downstream" // services that depend on this service
)

// Service is one node of the graph.
type Service struct {
	Name       string
	Metadata   map[string]any
	LastError  map[string]any
	ErrorCount int
	ErrorAt    time.Time
}

// Graph is an in-memory adjacency implementation, correct for fleets under
// ~10,000 nodes (spec §4.3 "Backing store"). edges[a][b] records a
// DEPENDS_ON-style edge a -> b (a depends on b).
type Graph struct {
	mu       sync.RWMutex
	services map[string]*Service
	edges    map[string]map[string]map[string]any // from -> to -> metadata
	reverse  map[string]map[string]struct{}        // to -> set(from), for downstream queries

	pathCache *lru.Cache[string, [][]string]
}

// New builds an empty Graph with a bounded LRU cache for propagation-path
// queries, whose results are invalidated on any topology mutation.
func New() *Graph {
	cache, _ := lru.New[string, [][]string](1024)
	return &Graph{
		services:  map[string]*Service{},
		edges:     map[string]map[string]map[string]any{},
		reverse:   map[string]map[string]struct{}{},
		pathCache: cache,
	}
}

// AddService upserts a service node (spec §4.3 "idempotent upserts").
func (g *Graph) AddService(name string, metadata map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.services[name]; ok {
		for k, v := range metadata {
			if existing.Metadata == nil {
				existing.Metadata = map[string]any{}
			}
			existing.Metadata[k] = v
		}
		return
	}
	g.services[name] = &Service{Name: name, Metadata: metadata}
}

// AddDependency upserts a DEPENDS_ON edge from -> to (from depends on to).
func (g *Graph) AddDependency(from, to string, metadata map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.services[from]; !ok {
		g.services[from] = &Service{Name: from}
	}
	if _, ok := g.services[to]; !ok {
		g.services[to] = &Service{Name: to}
	}

	if g.edges[from] == nil {
		g.edges[from] = map[string]map[string]any{}
	}
	if existing, ok := g.edges[from][to]; ok {
		for k, v := range metadata {
			existing[k] = v
		}
	} else {
		g.edges[from][to] = metadata
	}

	if g.reverse[to] == nil {
		g.reverse[to] = map[string]struct{}{}
	}
	g.reverse[to][from] = struct{}{}

	g.pathCache.Purge()
}

// Dependencies does a depth-capped BFS in the given direction, de-duplicated
// and excluding the source service itself (spec §4.3).
func (g *Graph) Dependencies(service string, direction Direction, maxDepth int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	neighbors := g.downstreamNeighbors
	if direction == Upstream {
		neighbors = g.upstreamNeighbors
	}

	visited := map[string]struct{}{service: {}}
	out := []string{}
	frontier := []string{service}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, n := range neighbors(node) {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = struct{}{}
				out = append(out, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	sort.Strings(out)
	return out
}

// DependenciesWithDepth is Dependencies but also reports each reached
// service's BFS hop count, letting callers (e.g. pkg/conflict's CASCADE
// classification, spec §4.4: "DEPENDENCY where propagation depth >= 2")
// distinguish direct neighbors from further-removed ones.
func (g *Graph) DependenciesWithDepth(service string, direction Direction, maxDepth int) map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	neighbors := g.downstreamNeighbors
	if direction == Upstream {
		neighbors = g.upstreamNeighbors
	}

	depths := map[string]int{}
	frontier := []string{service}
	visited := map[string]struct{}{service: {}}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, n := range neighbors(node) {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = struct{}{}
				depths[n] = depth
				next = append(next, n)
			}
		}
		frontier = next
	}
	return depths
}

func (g *Graph) downstreamNeighbors(service string) []string {
	out := make([]string, 0, len(g.reverse[service]))
	for n := range g.reverse[service] {
		out = append(out, n)
	}
	return out
}

func (g *Graph) upstreamNeighbors(service string) []string {
	out := make([]string, 0, len(g.edges[service]))
	for n := range g.edges[service] {
		out = append(out, n)
	}
	return out
}

// PropagationPaths returns every simple path from source along downstream
// edges (i.e. through services that depend on source, transitively), sorted
// by length and capped at 10 (spec §4.3), mirroring the original's
// `find_error_propagation_path`'s `ORDER BY length(path) ASC LIMIT 10`.
// Results are cached until the next topology mutation.
func (g *Graph) PropagationPaths(source string) [][]string {
	if cached, ok := g.pathCache.Get(source); ok {
		return cached
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var paths [][]string
	var walk func(node string, path []string, visited map[string]struct{})
	walk = func(node string, path []string, visited map[string]struct{}) {
		dependents := g.downstreamNeighbors(node)
		if len(dependents) == 0 {
			if len(path) > 1 {
				cp := make([]string, len(path))
				copy(cp, path)
				paths = append(paths, cp)
			}
			return
		}
		extended := false
		for _, dependent := range dependents {
			if _, seen := visited[dependent]; seen {
				continue // cycle: stop walking this branch (spec §9 cyclic dependencies)
			}
			extended = true
			visited[dependent] = struct{}{}
			walk(dependent, append(path, dependent), visited)
			delete(visited, dependent)
		}
		if !extended && len(path) > 1 {
			cp := make([]string, len(path))
			copy(cp, path)
			paths = append(paths, cp)
		}
	}
	walk(source, []string{source}, map[string]struct{}{source: {}})

	sort.SliceStable(paths, func(i, j int) bool { return len(paths[i]) < len(paths[j]) })
	if len(paths) > 10 {
		paths = paths[:10]
	}

	g.pathCache.Add(source, paths)
	return paths
}

// AnnotateError increments service's error counter and records the latest
// error blob, mirroring the original's `annotate_error`.
func (g *Graph) AnnotateError(service string, errorBlob map[string]any, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[service]
	if !ok {
		svc = &Service{Name: service}
		g.services[service] = svc
	}
	svc.LastError = errorBlob
	svc.ErrorAt = at
	svc.ErrorCount++
}

// Get returns the service by name, if present.
func (g *Graph) Get(name string) (Service, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	svc, ok := g.services[name]
	if !ok {
		return Service{}, false
	}
	return *svc, true
}

// All returns every service in the graph, sorted by name.
func (g *Graph) All() []Service {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Service, 0, len(g.services))
	for _, svc := range g.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
