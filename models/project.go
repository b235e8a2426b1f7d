package models

import "gorm.io/gorm"

// Project A CVAT annotation project created from cvscope
type Project struct {
	gorm.Model
	CVATProjectID  int     `json:"cvat_project_id" gorm:"uniqueIndex"`
	Name           string  `json:"name"`
	URL            string  `json:"url"`
	AnnotationType int     `json:"annotation_type"`
	Labels         []Label `json:"labels" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	Tasks          []Task  `json:"tasks" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

// Label An annotation label of a project
type Label struct {
	gorm.Model
	ProjectID   uint   `json:"project_id"`
	CVATLabelID int    `json:"cvat_label_id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
}
