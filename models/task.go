package models

import "gorm.io/gorm"

// Task A CVAT task holding the images posted from one CAS table. Document is the JSON
// form of the task, as read back by cvat.TaskFromDict.
type Task struct {
	gorm.Model
	ProjectID      uint   `json:"project_id"`
	CVATTaskID     int    `json:"cvat_task_id"`
	Name           string `json:"name"`
	ImageTableName string `json:"image_table_name"`
	Document       string `json:"document"`
}
