package cvat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"time"

	"cvscope/annotation"
	"cvscope/cas"
	"cvscope/imagetable"
	"cvscope/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultPollInterval Wait between task status requests while CVAT imports images
const DefaultPollInterval = 2 * time.Second

const fetchBatch = 256

// Label An annotation label with the id CVAT assigned to it
type Label struct {
	annotation.AnnotationLabel
	ID int `json:"id"`
}

// Project A CVAT project whose tasks hold images from CAS tables
type Project struct {
	client         *Client
	session        *cas.Session
	name           string
	annotationType annotation.AnnotationType
	labels         []Label
	id             int
	tasks          []*Task

	// PollInterval, when set, overrides DefaultPollInterval
	PollInterval time.Duration
	// HTTPClient is used by Resume; nil means http.DefaultClient
	HTTPClient *http.Client
	// DefaultURL is the server Resume uses for saved projects without a URL
	DefaultURL string
}

var _ annotation.Project = (*Project)(nil)

var (
	errNoImageColumn  = errors.New("image table has no image or id column")
	errDecodedImages  = errors.New("image table holds decoded images, CVAT needs encoded ones")
	errNoImages       = errors.New("image table is empty")
	errTaskFailed     = errors.New("cvat task failed")
	errUnknownProject = errors.New("project has no CVAT id")
	errNoServer       = errors.New("no CVAT server URL")
)

// NewProject Log in when the credentials hold no token, check the server version and
// create the project with its labels.
func NewProject(ctx context.Context, cfg annotation.ProjectConfig) (*Project, error) {
	httpClient := cfg.HTTPClient
	if cfg.Credentials == nil {
		return nil, errors.New("no credentials")
	}
	if cfg.Credentials.Token == "" {
		if err := Authenticate(ctx, httpClient, cfg.URL, cfg.Credentials); err != nil {
			return nil, fmt.Errorf("unable to authenticate: %w", err)
		}
	}
	p := &Project{
		client:         NewClient(cfg.URL, cfg.Credentials, httpClient),
		session:        cfg.Session,
		name:           cfg.Name,
		annotationType: cfg.AnnotationType,
		HTTPClient:     httpClient,
	}
	if err := p.client.CheckVersion(ctx); err != nil {
		return nil, err
	}

	labels := make([]annotation.AnnotationLabel, len(cfg.Labels))
	copy(labels, cfg.Labels)
	var created struct {
		ID     int     `json:"id"`
		Labels []Label `json:"labels"`
	}
	err := p.client.doJSON(ctx, "create project", http.MethodPost, "/api/projects",
		map[string]interface{}{"name": cfg.Name, "labels": labels}, &created, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	p.id = created.ID
	p.labels = created.Labels
	if len(p.labels) == 0 {
		for _, l := range labels {
			p.labels = append(p.labels, Label{AnnotationLabel: l})
		}
	}
	log.WithFields(log.Fields{"project": p.id, "name": p.name, "type": p.annotationType}).Info("Created CVAT project")
	return p, nil
}

// ID The CVAT project id
func (p *Project) ID() int {
	return p.id
}

func (p *Project) Name() string {
	return p.name
}

func (p *Project) AnnotationType() annotation.AnnotationType {
	return p.annotationType
}

func (p *Project) Labels() []Label {
	return p.labels
}

// Tasks The tasks posted so far
func (p *Project) Tasks() []*Task {
	return p.tasks
}

// AddTask Track a task created elsewhere
func (p *Project) AddTask(t *Task) {
	p.tasks = append(p.tasks, t)
}

// Delete Remove the project, and its tasks, from the CVAT server
func (p *Project) Delete(ctx context.Context) error {
	if p.id == 0 {
		return errUnknownProject
	}
	return p.client.doJSON(ctx, "delete project", http.MethodDelete, fmt.Sprintf("/api/projects/%d", p.id),
		nil, nil, http.StatusNoContent)
}

type postedImage struct {
	id   int64
	name string
	data []byte
}

// readImages Fetch the encoded images and their ids in table order
func readImages(ctx context.Context, table *imagetable.ImageTable) ([]postedImage, error) {
	cols := table.Columns()
	if cols.Image == "" || cols.ID == "" {
		return nil, errNoImageColumn
	}
	if table.HasDecodedImages() {
		return nil, errDecodedImages
	}
	vars := []string{cols.Image, cols.ID}
	if cols.Path != "" {
		vars = append(vars, cols.Path)
	}
	selected := table.Table().Select(vars...)
	n, err := selected.RecordCount(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errNoImages
	}

	images := make([]postedImage, 0, n)
	for from := 1; from <= n; from += fetchBatch {
		to := from + fetchBatch - 1
		if to > n {
			to = n
		}
		rows, err := selected.Fetch(ctx, from, to)
		if err != nil {
			return nil, err
		}
		for i := 0; i < rows.Len(); i++ {
			data, err := rows.Bytes(i, cols.Image)
			if err != nil {
				return nil, err
			}
			id, err := rows.Int(i, cols.ID)
			if err != nil {
				return nil, err
			}
			base := ""
			if cols.Path != "" {
				if p, err := rows.String(i, cols.Path); err == nil && p != "" {
					base = path.Base(p)
				}
			}
			if base == "" {
				base = fmt.Sprintf("%d%s", id, extensionOf(data))
			}
			// CVAT wants unique file names; the prefix also keeps the frame order
			images = append(images, postedImage{id: id, name: fmt.Sprintf("%06d_%s", len(images), base), data: data})
		}
	}
	return images, nil
}

func extensionOf(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/bmp":
		return ".bmp"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".img"
}

// PostImages Create a task and upload the encoded images of table to it. Returns when CVAT
// has imported them.
func (p *Project) PostImages(ctx context.Context, table *imagetable.ImageTable) error {
	if p.id == 0 {
		return errUnknownProject
	}
	images, err := readImages(ctx, table)
	if err != nil {
		return err
	}
	task, err := p.createTask(ctx, table)
	if err != nil {
		return err
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	_ = mw.WriteField("image_quality", "100")
	_ = mw.WriteField("sorting_method", "predefined")
	for i, img := range images {
		fw, err := mw.CreateFormFile(fmt.Sprintf("client_files[%d]", i), img.name)
		if err != nil {
			return err
		}
		if _, err := fw.Write(img.data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	err = p.client.do(ctx, "upload images", http.MethodPost, fmt.Sprintf("/api/tasks/%d/data", task.TaskID),
		body, mw.FormDataContentType(), nil, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return err
	}
	if err := p.waitForTask(ctx, task.TaskID); err != nil {
		return err
	}

	task.ImageIDs = make([]int64, len(images))
	for i, img := range images {
		task.ImageIDs[i] = img.id
	}
	task.StartImageID = task.ImageIDs[0]
	task.EndImageID = task.ImageIDs[len(images)-1]
	p.tasks = append(p.tasks, task)
	log.WithFields(log.Fields{"project": p.id, "task": task.TaskID, "images": len(images)}).Info("Posted images to CVAT")
	return nil
}

func (p *Project) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return DefaultPollInterval
}

// waitForTask Poll the task status until the image import finished or failed
func (p *Project) waitForTask(ctx context.Context, taskID int) error {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()
	for {
		var status struct {
			State   string `json:"state"`
			Message string `json:"message"`
		}
		err := p.client.doJSON(ctx, "task status", http.MethodGet, fmt.Sprintf("/api/tasks/%d/status", taskID),
			nil, &status, http.StatusOK)
		if err != nil {
			return err
		}
		switch status.State {
		case "Finished":
			return nil
		case "Failed":
			return fmt.Errorf("%w: task %d: %s", errTaskFailed, taskID, status.Message)
		}
		log.WithFields(log.Fields{"task": taskID, "state": status.State}).Debug("Waiting for CVAT task")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Save Store the project, its labels and its tasks
func (p *Project) Save(ctx context.Context, db *gorm.DB) error {
	if p.id == 0 {
		return errUnknownProject
	}
	record := &models.Project{
		CVATProjectID:  p.id,
		Name:           p.name,
		URL:            p.client.URL(),
		AnnotationType: int(p.annotationType),
	}
	for _, l := range p.labels {
		record.Labels = append(record.Labels, models.Label{CVATLabelID: l.ID, Name: l.Name, Color: l.Color})
	}
	for _, t := range p.tasks {
		doc, err := json.Marshal(t.ToDict())
		if err != nil {
			return err
		}
		record.Tasks = append(record.Tasks, models.Task{
			CVATTaskID:     t.TaskID,
			Name:           t.Name,
			ImageTableName: t.ImageTableName,
			Document:       string(doc),
		})
	}
	return models.SaveProject(db.WithContext(ctx), record)
}

// Resume Load the saved project with CVAT id projectID into p, using session for CAS
// and credentials for CVAT. A project saved without a URL lives on p.DefaultURL.
func (p *Project) Resume(ctx context.Context, db *gorm.DB, projectID int, session *cas.Session,
	credentials *annotation.Credentials) error {
	record, err := models.FindProject(db.WithContext(ctx), projectID)
	if err != nil {
		return fmt.Errorf("cannot load project %d: %w", projectID, err)
	}
	serverURL := record.URL
	if serverURL == "" {
		serverURL = p.DefaultURL
	}
	if serverURL == "" {
		return fmt.Errorf("project %d: %w", projectID, errNoServer)
	}
	if credentials == nil {
		credentials = &annotation.Credentials{}
	}
	if credentials.Token == "" && credentials.Username != "" {
		if err := Authenticate(ctx, p.HTTPClient, serverURL, credentials); err != nil {
			return fmt.Errorf("unable to authenticate: %w", err)
		}
	}
	tasks := make([]*Task, 0, len(record.Tasks))
	for _, rt := range record.Tasks {
		t, err := taskFromJSON(rt.Document)
		if err != nil {
			return fmt.Errorf("task %d: %w", rt.CVATTaskID, err)
		}
		tasks = append(tasks, t)
	}
	labels := make([]Label, len(record.Labels))
	for i, l := range record.Labels {
		labels[i] = Label{AnnotationLabel: annotation.AnnotationLabel{Name: l.Name, Color: l.Color}, ID: l.CVATLabelID}
	}

	p.client = NewClient(serverURL, credentials, p.HTTPClient)
	p.session = session
	p.name = record.Name
	p.annotationType = annotation.AnnotationType(record.AnnotationType)
	p.labels = labels
	p.id = record.CVATProjectID
	p.tasks = tasks
	return nil
}
