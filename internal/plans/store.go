package plans

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joescharf/fleet/internal/fleeterr"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/paths"
)

// readPlan loads a plan record from its JSON file.
func readPlan(layout *paths.Layout, planID string) (*models.Plan, error) {
	data, err := os.ReadFile(layout.PlanFile(planID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", fleeterr.ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p models.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", planID, err)
	}
	return &p, nil
}

// writePlan persists a plan record atomically.
func writePlan(layout *paths.Layout, p *models.Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	target := layout.PlanFile(p.ID)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+p.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp plan: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp plan: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename plan: %w", err)
	}
	return nil
}

// listPlanIDs returns all plan ids in a project, sorted.
func listPlanIDs(layout *paths.Layout) ([]string, error) {
	entries, err := os.ReadDir(layout.PlansDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "-output.json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// validateDAG checks that every dependency names a known task and that the
// dependency graph is acyclic.
func validateDAG(tasks []models.Task) error {
	byID := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		if tasks[i].ID == "" {
			return fmt.Errorf("task %d has no id", i)
		}
		if _, dup := byID[tasks[i].ID]; dup {
			return fmt.Errorf("duplicate task id %s", tasks[i].ID)
		}
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through task %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		task := byID[id]
		for _, dep := range task.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
