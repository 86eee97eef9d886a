package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
)

// dependencyGraph links plugin IDs to the plugins they declare as dependencies
type dependencyGraph struct {
	edges map[string][]string
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{edges: make(map[string][]string)}
}

func (g *dependencyGraph) addNode(id string, deps map[string]string) {
	edges := make([]string, 0, len(deps))
	for dep := range deps {
		edges = append(edges, dep)
	}
	sort.Strings(edges)
	g.edges[id] = edges
}

// cycleFrom returns the dependency path that leads back to a plugin already on
// the path, or nil when start is acyclic.
func (g *dependencyGraph) cycleFrom(start string) []string {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string

	var visit func(string) []string
	visit = func(id string) []string {
		visited[id] = true
		onPath[id] = true
		path = append(path, id)

		for _, dep := range g.edges[id] {
			if onPath[dep] {
				return append(append([]string(nil), path...), dep)
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		onPath[id] = false
		path = path[:len(path)-1]
		return nil
	}
	return visit(start)
}

// dependents returns the plugins that declare id as a dependency
func (g *dependencyGraph) dependents(id string) []string {
	var out []string
	for node, edges := range g.edges {
		for _, dep := range edges {
			if dep == id {
				out = append(out, node)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// loadGraph builds the graph of every plugin known to the registry
func loadGraph(ctx context.Context, reg registry.Registry) (*dependencyGraph, map[string]*plugins.Record, error) {
	records, err := reg.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	g := newDependencyGraph()
	byID := make(map[string]*plugins.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
		if rec.Manifest != nil {
			g.addNode(rec.ID, rec.Manifest.Dependencies)
		}
	}
	return g, byID, nil
}

// resolveDependencies checks every declared dependency of manifest against the
// installed plugins. All problems are reported together.
func (m *Manager) resolveDependencies(ctx context.Context, manifest *plugins.Manifest) error {
	if len(manifest.Dependencies) == 0 {
		return nil
	}

	g, installed, err := loadGraph(ctx, m.registry)
	if err != nil {
		return err
	}
	g.addNode(manifest.ID, manifest.Dependencies)

	var problems []string
	ids := make([]string, 0, len(manifest.Dependencies))
	for id := range manifest.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		raw := manifest.Dependencies[id]
		constraint, err := semver.NewConstraint(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid constraint %q", id, raw))
			continue
		}

		dep, ok := installed[id]
		if !ok || dep.Status != plugins.StatusInstalled {
			problems = append(problems, fmt.Sprintf("%s %s is not installed", id, raw))
			continue
		}
		version, err := semver.NewVersion(dep.Version())
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s has unparseable version %q", id, dep.Version()))
			continue
		}
		if ok, errs := constraint.Validate(version); !ok {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			problems = append(problems, fmt.Sprintf("%s %s not satisfied by %s (%s)", id, raw, version, strings.Join(msgs, ", ")))
		}
	}

	if cycle := g.cycleFrom(manifest.ID); cycle != nil {
		problems = append(problems, "circular dependency "+strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", plugins.ErrDependencyUnresolved, strings.Join(problems, "; "))
	}
	return nil
}

// dependentsOf lists installed plugins that depend on id
func (m *Manager) dependentsOf(ctx context.Context, id string) ([]string, error) {
	g, records, err := loadGraph(ctx, m.registry)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, dep := range g.dependents(id) {
		if rec := records[dep]; rec != nil && rec.Status == plugins.StatusInstalled {
			out = append(out, dep)
		}
	}
	return out, nil
}
