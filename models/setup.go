package models

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectDataBase Open the sqlite database at filename, e.g. "cvscope.sqlite" or ":memory:",
// and migrate the schema.
func ConnectDataBase(filename string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("cannot connect sqlite database at %s: %w", filename, err)
	}
	log.Info(fmt.Sprintf("Connecting sqlite database at %s", filename))

	if err := db.AutoMigrate(&Project{}, &Label{}, &Task{}); err != nil {
		return nil, fmt.Errorf("migrating %s: %w", filename, err)
	}
	return db, nil
}

// FindProjects All stored projects with their labels and tasks
func FindProjects(db *gorm.DB) ([]Project, error) {
	var projects []Project
	err := db.Preload("Labels").Preload("Tasks").Order("id").Find(&projects).Error
	return projects, err
}

// FindProject The stored project of a CVAT project id
func FindProject(db *gorm.DB, cvatProjectID int) (*Project, error) {
	var project Project
	err := db.Preload("Labels").Preload("Tasks").Where("cvat_project_id = ?", cvatProjectID).First(&project).Error
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// SaveProject Insert or replace the stored copy of a project, labels and tasks included.
func SaveProject(db *gorm.DB, project *Project) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var existing Project
		err := tx.Where("cvat_project_id = ?", project.CVATProjectID).First(&existing).Error
		if err == nil {
			if err := deleteProject(tx, &existing); err != nil {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		project.ID = 0
		for i := range project.Labels {
			project.Labels[i].ID = 0
		}
		for i := range project.Tasks {
			project.Tasks[i].ID = 0
		}
		return tx.Create(project).Error
	})
}

// DeleteProject Remove the stored project of a CVAT project id
func DeleteProject(db *gorm.DB, cvatProjectID int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var project Project
		if err := tx.Where("cvat_project_id = ?", cvatProjectID).First(&project).Error; err != nil {
			return err
		}
		return deleteProject(tx, &project)
	})
}

func deleteProject(tx *gorm.DB, project *Project) error {
	if err := tx.Unscoped().Where("project_id = ?", project.ID).Delete(&Label{}).Error; err != nil {
		return err
	}
	if err := tx.Unscoped().Where("project_id = ?", project.ID).Delete(&Task{}).Error; err != nil {
		return err
	}
	return tx.Unscoped().Delete(project).Error
}
