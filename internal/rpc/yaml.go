package rpc

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"taskforge/internal/apperr"
	"taskforge/internal/graph"
)

// yamlTaskSpec is the YAML-native mirror of graph.Task that tasks.create and
// tasks.execute accept as an alternative to a JSON tasks array: a plain
// yaml-tagged struct decoded with gopkg.in/yaml.v3, then round-tripped
// through JSON to reuse graph.Task's existing Dependency normalization
// instead of duplicating it for a second wire format.
type yamlTaskSpec struct {
	ID           string         `yaml:"id,omitempty"`
	ParentID     string         `yaml:"parent_id,omitempty"`
	UserID       string         `yaml:"user_id"`
	Name         string         `yaml:"name"`
	Schemas      map[string]any `yaml:"schemas,omitempty"`
	Priority     int            `yaml:"priority"`
	Dependencies []any          `yaml:"dependencies,omitempty"`
	Inputs       map[string]any `yaml:"inputs,omitempty"`
	Params       map[string]any `yaml:"params,omitempty"`
}

// parseYAMLTasks decodes a YAML document describing one task tree into
// graph.Task values. The document is either a single task (a root with no
// children) or a top-level "tasks:" list.
func parseYAMLTasks(doc string) ([]*graph.Task, error) {
	var wrapper struct {
		Tasks []yamlTaskSpec `yaml:"tasks"`
	}
	if err := yaml.Unmarshal([]byte(doc), &wrapper); err != nil {
		return nil, apperr.ValidationError("invalid tasks_yaml: " + err.Error())
	}
	specs := wrapper.Tasks
	if len(specs) == 0 {
		var single yamlTaskSpec
		if err := yaml.Unmarshal([]byte(doc), &single); err != nil {
			return nil, apperr.ValidationError("invalid tasks_yaml: " + err.Error())
		}
		if single.Name == "" && single.UserID == "" {
			return nil, apperr.ValidationError("tasks_yaml: no tasks found")
		}
		specs = []yamlTaskSpec{single}
	}

	tasks := make([]*graph.Task, 0, len(specs))
	for _, spec := range specs {
		task, err := spec.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (spec yamlTaskSpec) toTask() (*graph.Task, error) {
	deps, err := json.Marshal(spec.Dependencies)
	if err != nil {
		return nil, apperr.ValidationError("invalid tasks_yaml dependencies: " + err.Error())
	}
	var dependencies []graph.Dependency
	if err := json.Unmarshal(deps, &dependencies); err != nil {
		return nil, apperr.ValidationError("invalid tasks_yaml dependencies: " + err.Error())
	}

	task := &graph.Task{
		ID:           spec.ID,
		ParentID:     spec.ParentID,
		UserID:       spec.UserID,
		Name:         spec.Name,
		Schemas:      spec.Schemas,
		Priority:     graph.Priority(spec.Priority),
		Dependencies: dependencies,
		Status:       graph.StatusPending,
	}
	if spec.Inputs != nil {
		if encoded, err := json.Marshal(spec.Inputs); err == nil {
			task.Inputs = encoded
		}
	}
	if spec.Params != nil {
		if encoded, err := json.Marshal(spec.Params); err == nil {
			task.Params = encoded
		}
	}
	return task, nil
}
