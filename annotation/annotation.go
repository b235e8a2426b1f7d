// Package annotation holds the types shared by annotation server integrations.
package annotation

import (
	"context"
	"fmt"
	"net/http"

	"cvscope/cas"
	"cvscope/imagetable"

	"gorm.io/gorm"
)

// AnnotationType What is annotated in a project
type AnnotationType int

const (
	Classification AnnotationType = iota + 1
	ObjectDetection
	SemanticSegmentation
)

func (t AnnotationType) String() string {
	switch t {
	case Classification:
		return "CLASSIFICATION"
	case ObjectDetection:
		return "OBJECT_DETECTION"
	case SemanticSegmentation:
		return "SEMANTIC_SEGMENTATION"
	}
	return fmt.Sprintf("AnnotationType(%d)", int(t))
}

// ParseAnnotationType Inverse of AnnotationType.String
func ParseAnnotationType(s string) (AnnotationType, error) {
	for _, t := range []AnnotationType{Classification, ObjectDetection, SemanticSegmentation} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown annotation type %q", s)
}

// AnnotationLabel A label with its display color, e.g. "#ff0000"
type AnnotationLabel struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Task A unit of annotation work on a range of images
type Task struct {
	TaskID       int   `json:"task_id"`
	StartImageID int64 `json:"start_image_id"`
	EndImageID   int64 `json:"end_image_id"`
}

// Project A project on an annotation server whose images come from CAS tables
type Project interface {
	// PostImages Create a task and upload the encoded images of table to it
	PostImages(ctx context.Context, table *imagetable.ImageTable) error
	// GetAnnotations Join the annotations of the images posted from table into annotated
	GetAnnotations(ctx context.Context, annotated *cas.Table, table *imagetable.ImageTable) error
	// Save Store the project so that it can be resumed in another session
	Save(ctx context.Context, db *gorm.DB) error
	// Resume Load a saved project
	Resume(ctx context.Context, db *gorm.DB, projectID int, session *cas.Session, credentials *Credentials) error
}

// ProjectConfig Settings shared by every project implementation
type ProjectConfig struct {
	Session        *cas.Session
	URL            string
	Credentials    *Credentials
	Name           string
	AnnotationType AnnotationType
	Labels         []AnnotationLabel
	// HTTPClient talks to the annotation server; nil means http.DefaultClient
	HTTPClient *http.Client
}
