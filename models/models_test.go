package models

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func memoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := ConnectDataBase(filepath.Join(t.TempDir(), "cvscope.sqlite"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func sampleProject() *Project {
	return &Project{
		CVATProjectID:  12,
		Name:           "lesions",
		URL:            "http://cvat.local",
		AnnotationType: 2,
		Labels:         []Label{{CVATLabelID: 1, Name: "tumor", Color: "#ff0000"}},
		Tasks:          []Task{{CVATTaskID: 40, Name: "CAS_x_UUID_y", ImageTableName: "casuser.images", Document: "{}"}},
	}
}

func TestSaveAndFindProject(t *testing.T) {
	db := memoryDB(t)
	require.NoError(t, SaveProject(db, sampleProject()))

	project, err := FindProject(db, 12)
	require.NoError(t, err)
	assert.Equal(t, "lesions", project.Name)
	require.Len(t, project.Labels, 1)
	assert.Equal(t, "tumor", project.Labels[0].Name)
	require.Len(t, project.Tasks, 1)
	assert.Equal(t, 40, project.Tasks[0].CVATTaskID)

	_, err = FindProject(db, 99)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSaveProjectReplacesExisting(t *testing.T) {
	db := memoryDB(t)
	require.NoError(t, SaveProject(db, sampleProject()))

	updated := sampleProject()
	updated.Tasks = append(updated.Tasks, Task{CVATTaskID: 41, Name: "second"})
	require.NoError(t, SaveProject(db, updated))

	projects, err := FindProjects(db)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Len(t, projects[0].Tasks, 2)
	assert.Len(t, projects[0].Labels, 1)
}

func TestDeleteProject(t *testing.T) {
	db := memoryDB(t)
	require.NoError(t, SaveProject(db, sampleProject()))
	require.NoError(t, DeleteProject(db, 12))

	projects, err := FindProjects(db)
	require.NoError(t, err)
	assert.Empty(t, projects)
	var tasks int64
	require.NoError(t, db.Model(&Task{}).Count(&tasks).Error)
	assert.Zero(t, tasks)

	assert.ErrorIs(t, DeleteProject(db, 12), gorm.ErrRecordNotFound)
}
