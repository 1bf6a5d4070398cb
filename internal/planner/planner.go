// Package planner turns a plan document into the ordered []graph.WorkItem
// the Orchestrator drives. Natural-language plan/issue parsing lives
// behind the Planner interface; this package supplies the one concrete
// format the CLI accepts directly, a structured YAML plan file.
package planner

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dhouse/branchforge/internal/graph"
)

// Planner turns plan text into work items. Implementations that parse
// natural language (free-form issue descriptions, markdown prose) are out
// of scope here; this package's YAMLPlanner handles the structured form.
type Planner interface {
	Parse(text string) ([]graph.WorkItem, error)
}

// yamlPlan is the on-disk shape of a YAML plan file.
type yamlPlan struct {
	Name  string     `yaml:"name"`
	Items []yamlItem `yaml:"items"`
}

type yamlItem struct {
	ID            int      `yaml:"id"`
	Title         string   `yaml:"title"`
	Body          string   `yaml:"body"`
	DependsOn     []int    `yaml:"depends_on"`
	AffectedPaths []string `yaml:"affected_paths"`
	NoWorkNeeded  bool     `yaml:"no_work_needed"`
	ExternalRef   *int     `yaml:"external_ref"`
}

// YAMLPlanner parses the structured YAML plan format.
type YAMLPlanner struct{}

// NewYAMLPlanner creates a YAMLPlanner.
func NewYAMLPlanner() *YAMLPlanner { return &YAMLPlanner{} }

// Parse decodes text as a YAML plan document and returns its work items.
// Ids must be positive and unique; self-edges are rejected; dependency ids
// that don't reference another item in the same document are dropped.
func (p *YAMLPlanner) Parse(text string) ([]graph.WorkItem, error) {
	var doc yamlPlan
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("parse plan yaml: %w", err)
	}
	return itemsFromYAML(doc.Items)
}

// ParseFile reads path and parses it as a YAML plan document.
func (p *YAMLPlanner) ParseFile(path string) ([]graph.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return p.Parse(string(data))
}

// ParseReader parses a YAML plan document from r.
func (p *YAMLPlanner) ParseReader(r io.Reader) ([]graph.WorkItem, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return p.Parse(string(data))
}

func itemsFromYAML(raw []yamlItem) ([]graph.WorkItem, error) {
	seen := make(map[int]bool, len(raw))
	for _, it := range raw {
		if it.ID < 1 {
			return nil, fmt.Errorf("item id must be >= 1, got %d", it.ID)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("duplicate item id %d", it.ID)
		}
		seen[it.ID] = true
	}

	items := make([]graph.WorkItem, 0, len(raw))
	for _, it := range raw {
		deps := make([]int, 0, len(it.DependsOn))
		for _, dep := range it.DependsOn {
			if dep == it.ID {
				return nil, fmt.Errorf("item %d depends on itself", it.ID)
			}
			if !seen[dep] {
				// Unknown ref: dropped, not an error.
				continue
			}
			deps = append(deps, dep)
		}
		sort.Ints(deps)

		items = append(items, graph.WorkItem{
			ID:            it.ID,
			Title:         it.Title,
			Body:          it.Body,
			Dependencies:  deps,
			AffectedPaths: it.AffectedPaths,
			NoWorkNeeded:  it.NoWorkNeeded,
			ExternalRef:   it.ExternalRef,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}
