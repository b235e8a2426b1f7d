package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"cvscope/annotation"
	"cvscope/annotation/cvat"
	"cvscope/cas"
	"cvscope/imagetable"
	"cvscope/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func projectID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Incorrect project id."})
		return 0, false
	}
	return id, true
}

// FindProjects All stored annotation projects
func FindProjects(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		projects, err := models.FindProjects(db.WithContext(c.Request.Context()))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": projects})
	}
}

// FindProject A stored project by its CVAT id
func FindProject(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := projectID(c)
		if !ok {
			return
		}
		project, err := models.FindProject(db.WithContext(c.Request.Context()), id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found!"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": project})
	}
}

// CVATSettings How stored projects reach their CVAT server
type CVATSettings struct {
	// URL serves projects stored without a server URL
	URL          string
	Credentials  *annotation.Credentials
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// resume The stored project :id, answering the request itself when it cannot be loaded
func (s CVATSettings) resume(c *gin.Context, db *gorm.DB, session *cas.Session) (*cvat.Project, bool) {
	id, ok := projectID(c)
	if !ok {
		return nil, false
	}
	project := &cvat.Project{HTTPClient: s.HTTPClient, DefaultURL: s.URL, PollInterval: s.PollInterval}
	if err := project.Resume(c.Request.Context(), db, id, session, s.Credentials); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found!"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return project, true
}

// DeleteProject Forget a stored project. With ?remote=true the project is also deleted
// from its CVAT server.
func DeleteProject(db *gorm.DB, settings CVATSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := projectID(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if c.Query("remote") == "true" {
			project, ok := settings.resume(c, db, nil)
			if !ok {
				return
			}
			if err := project.Delete(ctx); err != nil {
				log.Warn("Cannot delete CVAT project ", id, ": ", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
		}

		err := models.DeleteProject(db.WithContext(ctx), id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found!"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": true})
	}
}

// TableInput A CAS table named in a request body
type TableInput struct {
	Caslib string `json:"caslib"`
	Table  string `json:"table" binding:"required"`
}

// PostProjectImages Upload the encoded images of a CAS table to a new task of the stored
// project :id and store the task.
func PostProjectImages(db *gorm.DB, session *cas.Session, settings CVATSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input TableInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		project, ok := settings.resume(c, db, session)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		table, err := imagetable.New(ctx, session.Table(input.Table, input.Caslib), imagetable.Columns{})
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err := project.PostImages(ctx, table); err != nil {
			log.Warn("Cannot post images to CVAT project ", project.ID(), ": ", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if err := project.Save(ctx, db); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		tasks := project.Tasks()
		c.JSON(http.StatusCreated, gin.H{"data": tasks[len(tasks)-1].ToDict()})
	}
}

// AnnotationsInput The posted image table and the table receiving its annotations
type AnnotationsInput struct {
	TableInput
	OutCaslib string `json:"out_caslib"`
	OutTable  string `json:"out_table" binding:"required"`
}

// GetProjectAnnotations Store the annotations of the images posted from a CAS table,
// joined with the images, in a new CAS table.
func GetProjectAnnotations(db *gorm.DB, session *cas.Session, settings CVATSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input AnnotationsInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		project, ok := settings.resume(c, db, session)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		table, err := imagetable.New(ctx, session.Table(input.Table, input.Caslib), imagetable.Columns{})
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		out := session.Table(input.OutTable, input.OutCaslib)
		if err := project.GetAnnotations(ctx, out, table); err != nil {
			log.Warn("Cannot get annotations of CVAT project ", project.ID(), ": ", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": out.String()})
	}
}
