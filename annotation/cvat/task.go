package cvat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cvscope/annotation"
	"cvscope/imagetable"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/twinj/uuid"
)

// Task A CVAT task holding the images posted from one CAS table. ImageIDs lists the
// image ids in frame order.
type Task struct {
	annotation.Task
	Name           string
	ImageTableName string
	Columns        imagetable.Columns
	ImageIDs       []int64
}

const taskSchemaURL = "cvscope://cvat-task.json"

const taskSchemaSource = `{
	"type": "object",
	"required": ["task_id", "image_table_name", "image_table", "start_image_id", "end_image_id"],
	"properties": {
		"task_id": {"type": "integer", "minimum": 1},
		"name": {"type": "string"},
		"image_table_name": {"type": "string", "minLength": 1},
		"image_table": {
			"type": "object",
			"additionalProperties": {"type": ["string", "null"]}
		},
		"start_image_id": {"type": "integer"},
		"end_image_id": {"type": "integer"},
		"image_ids": {"type": "array", "items": {"type": "integer"}}
	}
}`

var taskSchema = jsonschema.MustCompileString(taskSchemaURL, taskSchemaSource)

// taskName The CVAT task name: CAS_<session name>_UUID_<uuid>
func taskName(sessionName string) string {
	return fmt.Sprintf("CAS_%s_UUID_%s", sessionName, uuid.NewV4().String())
}

// createTask Create an empty task in the project
func (p *Project) createTask(ctx context.Context, table *imagetable.ImageTable) (*Task, error) {
	sessionName, err := p.session.SessionName(ctx)
	if err != nil {
		return nil, err
	}
	task := &Task{
		Name:           taskName(sessionName),
		ImageTableName: table.Table().String(),
		Columns:        table.Columns(),
	}
	var created struct {
		ID int `json:"id"`
	}
	err = p.client.doJSON(ctx, "create task", http.MethodPost, "/api/tasks",
		map[string]interface{}{"name": task.Name, "project_id": p.id}, &created, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	task.TaskID = created.ID
	return task, nil
}

// ToDict The task as a JSON document
func (t *Task) ToDict() map[string]interface{} {
	ids := t.ImageIDs
	if ids == nil {
		ids = []int64{}
	}
	return map[string]interface{}{
		"task_id":          t.TaskID,
		"name":             t.Name,
		"image_table_name": t.ImageTableName,
		"image_table":      t.Columns.AsDict(),
		"start_image_id":   t.StartImageID,
		"end_image_id":     t.EndImageID,
		"image_ids":        ids,
	}
}

// TaskFromDict Rebuild a task from its JSON document, as decoded by encoding/json.
func TaskFromDict(doc map[string]interface{}) (*Task, error) {
	if err := taskSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid task document: %w", err)
	}
	// round trip through JSON to let the decoder do the typing
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var typed struct {
		TaskID         int                    `json:"task_id"`
		Name           string                 `json:"name"`
		ImageTableName string                 `json:"image_table_name"`
		ImageTable     map[string]interface{} `json:"image_table"`
		StartImageID   int64                  `json:"start_image_id"`
		EndImageID     int64                  `json:"end_image_id"`
		ImageIDs       []int64                `json:"image_ids"`
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, err
	}
	return &Task{
		Task: annotation.Task{
			TaskID:       typed.TaskID,
			StartImageID: typed.StartImageID,
			EndImageID:   typed.EndImageID,
		},
		Name:           typed.Name,
		ImageTableName: typed.ImageTableName,
		Columns:        imagetable.ColumnsFromDict(typed.ImageTable),
		ImageIDs:       typed.ImageIDs,
	}, nil
}

// taskFromJSON TaskFromDict for a stored document
func taskFromJSON(document string) (*Task, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return nil, fmt.Errorf("invalid task document: %w", err)
	}
	return TaskFromDict(doc)
}
