package cvat

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cvscope/annotation"
	"cvscope/cas/castest"
	"cvscope/imagetable"
	"cvscope/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

// fakeCVAT Records requests and answers the CVAT routes used by Project
type fakeCVAT struct {
	*httptest.Server
	version string

	mu          sync.Mutex
	statusCalls int
	uploaded    []string
	fields      map[string]string
	deleted     bool
	authHeaders []string
	annotations map[string]interface{}
}

func newFakeCVAT(t *testing.T) *fakeCVAT {
	t.Helper()
	f := &fakeCVAT{version: "2.3.0"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("username") != "annotator" || r.PostForm.Get("password") != "hunter2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"non_field_errors":["Unable to log in ","with provided credentials."]}`))
			return
		}
		_, _ = w.Write([]byte(`{"key":"abc123"}`))
	})
	mux.HandleFunc("/api/server/about", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_ = json.NewEncoder(w).Encode(map[string]string{"version": f.version})
	})
	mux.HandleFunc("/api/projects", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			Name   string                       `json:"name"`
			Labels []annotation.AnnotationLabel `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		labels := make([]map[string]interface{}, len(body.Labels))
		for i, l := range body.Labels {
			labels[i] = map[string]interface{}{"id": 100 + i, "name": l.Name, "color": l.Color}
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 12, "name": body.Name, "labels": labels})
	})
	mux.HandleFunc("/api/projects/12", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		require.Equal(t, http.MethodDelete, r.Method)
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(12), body["project_id"])
		assert.True(t, strings.HasPrefix(body["name"].(string), "CAS_py-session-1_UUID_"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	})
	mux.HandleFunc("/api/tasks/7/data", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f.mu.Lock()
		f.fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			f.fields[k] = v[0]
		}
		for i := 0; ; i++ {
			files := r.MultipartForm.File[fmt.Sprintf("client_files[%d]", i)]
			if len(files) == 0 {
				break
			}
			f.uploaded = append(f.uploaded, files[0].Filename)
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/api/tasks/7/status", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		f.statusCalls++
		state := "Started"
		if f.statusCalls > 1 {
			state = "Finished"
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
	})
	mux.HandleFunc("/api/tasks/7/annotations", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.annotations)
	})
	mux.HandleFunc("/api/tasks/7/data/meta", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = w.Write([]byte(`{"frames":[{"width":100,"height":50,"name":"a.png"},{"width":200,"height":100,"name":"b.png"}]}`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeCVAT) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
}

func TestAuthenticate(t *testing.T) {
	f := newFakeCVAT(t)
	ctx := context.Background()

	creds := &annotation.Credentials{Username: "annotator", Password: "wrong"}
	err := Authenticate(ctx, f.Client(), f.URL, creds)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "Unable to log in with provided credentials.", statusErr.Message)
	assert.Empty(t, creds.Token)

	creds.Password = "hunter2"
	require.NoError(t, Authenticate(ctx, f.Client(), f.URL+"/", creds))
	assert.Equal(t, "abc123", creds.Token)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Not found.", errorMessage([]byte(`{"detail":"Not found."}`)))
	assert.Equal(t, "bad gateway", errorMessage([]byte("bad gateway\n")))
}

func TestCheckVersion(t *testing.T) {
	f := newFakeCVAT(t)
	c := NewClient(f.URL, &annotation.Credentials{Token: "abc123"}, f.Client())
	require.NoError(t, c.CheckVersion(context.Background()))

	f.version = "v1.7.0"
	assert.ErrorIs(t, c.CheckVersion(context.Background()), errUnsupportedVersion)

	f.version = "latest"
	assert.Error(t, c.CheckVersion(context.Background()))
}

func newTestProject(t *testing.T, f *fakeCVAT, srv *castest.Server, annotationType annotation.AnnotationType) *Project {
	t.Helper()
	p, err := NewProject(context.Background(), annotation.ProjectConfig{
		Session:        srv.Connect(t),
		URL:            f.URL,
		Credentials:    &annotation.Credentials{Username: "annotator", Password: "hunter2"},
		Name:           "lesions",
		AnnotationType: annotationType,
		Labels:         []annotation.AnnotationLabel{{Name: "cat", Color: "#ff0000"}, {Name: "dog"}},
		HTTPClient:     f.Client(),
	})
	require.NoError(t, err)
	p.PollInterval = time.Millisecond
	return p
}

func TestNewProjectAndDelete(t *testing.T) {
	f := newFakeCVAT(t)
	srv := castest.NewServer(t)
	p := newTestProject(t, f, srv, annotation.Classification)

	assert.Equal(t, 12, p.ID())
	assert.Equal(t, "lesions", p.Name())
	require.Len(t, p.Labels(), 2)
	assert.Equal(t, 101, p.Labels()[1].ID)
	assert.Equal(t, "dog", p.Labels()[1].Name)

	require.NoError(t, p.Delete(context.Background()))
	assert.True(t, f.deleted)
	for _, h := range f.authHeaders {
		assert.Equal(t, "token abc123", h)
	}
}

func TestNewProjectRejectsOldServer(t *testing.T) {
	f := newFakeCVAT(t)
	f.version = "1.1.0"
	_, err := NewProject(context.Background(), annotation.ProjectConfig{
		URL:         f.URL,
		Credentials: &annotation.Credentials{Token: "abc123"},
		HTTPClient:  f.Client(),
	})
	assert.ErrorIs(t, err, errUnsupportedVersion)
}

// imageServer A CAS table of two encoded images with ids 31 and 32
func imageServer(t *testing.T) *castest.Server {
	t.Helper()
	srv := castest.NewServer(t)
	srv.Handle("table.columnInfo", castest.ColumnInfo("_image_", "_id_", "_path_"))
	srv.Handle("session.sessionId", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"session": "py-session-1"}, nil
	})
	srv.Handle("table.recordCount", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"RecordCount": castest.Table("RecordCount", []string{"N"}, [][]interface{}{{float64(2)}})}, nil
	})
	srv.Handle("table.fetch", func(params map[string]interface{}) (map[string]interface{}, error) {
		assert.Equal(t, float64(1), params["from"])
		assert.Equal(t, float64(2), params["to"])
		return map[string]interface{}{"Fetch": castest.Table("Fetch", []string{"_image_", "_id_", "_path_"}, [][]interface{}{
			{pngHeader, float64(31), "/data/cats/a.png"},
			{pngHeader, float64(32), ""},
		})}, nil
	})
	return srv
}

func postImages(t *testing.T, f *fakeCVAT, srv *castest.Server, annotationType annotation.AnnotationType) (*Project, *imagetable.ImageTable) {
	t.Helper()
	p := newTestProject(t, f, srv, annotationType)
	table, err := imagetable.New(context.Background(), p.session.Table("pets", "casuser"), imagetable.Columns{})
	require.NoError(t, err)
	require.NoError(t, p.PostImages(context.Background(), table))
	return p, table
}

func TestPostImages(t *testing.T) {
	f := newFakeCVAT(t)
	p, _ := postImages(t, f, imageServer(t), annotation.Classification)

	assert.Equal(t, []string{"000000_a.png", "000001_32.png"}, f.uploaded)
	assert.Equal(t, "predefined", f.fields["sorting_method"])
	assert.Equal(t, "100", f.fields["image_quality"])
	assert.Equal(t, 2, f.statusCalls)

	require.Len(t, p.Tasks(), 1)
	task := p.Tasks()[0]
	assert.Equal(t, 7, task.TaskID)
	assert.Equal(t, []int64{31, 32}, task.ImageIDs)
	assert.Equal(t, int64(31), task.StartImageID)
	assert.Equal(t, int64(32), task.EndImageID)
	assert.Equal(t, "casuser.pets", task.ImageTableName)
	assert.Equal(t, "_path_", task.Columns.Path)
}

func TestPostImagesRejectsDecodedImages(t *testing.T) {
	f := newFakeCVAT(t)
	srv := castest.NewServer(t)
	srv.Handle("table.columnInfo", castest.ColumnInfo("_image_", "_id_", "_dimension_", "_resolution_", "_imageFormat_"))
	p := newTestProject(t, f, srv, annotation.Classification)
	table, err := imagetable.New(context.Background(), p.session.Table("volumes", ""), imagetable.Columns{})
	require.NoError(t, err)
	assert.ErrorIs(t, p.PostImages(context.Background(), table), errDecodedImages)
}

func readUploadedCSV(t *testing.T, srv *castest.Server) [][]string {
	t.Helper()
	uploads := srv.Uploads()
	require.Len(t, uploads, 1)
	records, err := csv.NewReader(strings.NewReader(string(uploads[0].Data))).ReadAll()
	require.NoError(t, err)
	return records
}

func TestGetClassificationAnnotations(t *testing.T) {
	f := newFakeCVAT(t)
	srv := imageServer(t)
	p, table := postImages(t, f, srv, annotation.Classification)
	f.annotations = map[string]interface{}{
		"tags": []map[string]interface{}{
			{"frame": 1, "label_id": 100},
			{"frame": 0, "label_id": 101},
		},
	}

	out := p.session.Table("annotated", "casuser")
	require.NoError(t, p.GetAnnotations(context.Background(), out, table))

	assert.Equal(t, [][]string{{"_id_", "_label_"}, {"31", "dog"}, {"32", "cat"}}, readUploadedCSV(t, srv))
	queries := srv.Calls("fedsql.execDirect")
	require.Len(t, queries, 1)
	q := queries[0].Params["query"].(string)
	assert.Contains(t, q, `create table "casuser"."annotated" {options replace=true}`)
	assert.Contains(t, q, `select b."_image_", b."_id_", b."_path_", a._label_`)
	assert.Contains(t, q, `inner join "casuser"."pets" as b`)
	assert.Contains(t, q, `on a._id_=b."_id_"`)
	assert.Len(t, srv.Calls("table.dropTable"), 1)
}

func TestGetAnnotationsReplacesLabelColumn(t *testing.T) {
	f := newFakeCVAT(t)
	srv := imageServer(t)
	srv.Handle("table.columnInfo", castest.ColumnInfo("_image_", "_id_", "_path_", "_label_"))
	p, table := postImages(t, f, srv, annotation.Classification)
	f.annotations = map[string]interface{}{
		"tags": []map[string]interface{}{{"frame": 0, "label_id": 100}},
	}

	require.NoError(t, p.GetAnnotations(context.Background(), p.session.Table("annotated", ""), table))
	queries := srv.Calls("fedsql.execDirect")
	require.Len(t, queries, 1)
	q := queries[0].Params["query"].(string)
	assert.Contains(t, q, `select b."_image_", b."_id_", b."_path_", a._label_`)
	assert.NotContains(t, q, `b."_label_"`)
	assert.NotContains(t, q, "b.*")
	assert.Equal(t, 1, strings.Count(q, "_label_"))
}

func TestJoinedColumns(t *testing.T) {
	assert.Equal(t, []string{`b."_image_"`, `b."_id_"`, "a._nObjects_", "a._Object0_"},
		joinedColumns([]string{"_image_", "_id_", "_NOBJECTS_"}, []string{"_nObjects_", "_Object0_"}))
}

func TestGetObjectDetectionAnnotations(t *testing.T) {
	f := newFakeCVAT(t)
	srv := imageServer(t)
	p, table := postImages(t, f, srv, annotation.ObjectDetection)
	f.annotations = map[string]interface{}{
		"shapes": []map[string]interface{}{
			{"type": "rectangle", "frame": 0, "label_id": 100, "points": []float64{10, 10, 30, 20}},
			{"type": "rectangle", "frame": 0, "label_id": 101, "points": []float64{50, 0, 100, 50}},
			{"type": "rectangle", "frame": 1, "label_id": 101, "points": []float64{0, 0, 100, 100}},
		},
	}

	require.NoError(t, p.GetAnnotations(context.Background(), p.session.Table("annotated", ""), table))
	records := readUploadedCSV(t, srv)
	assert.Equal(t, []string{"_id_", "_nObjects_",
		"_Object0_", "_Object0_x", "_Object0_y", "_Object0_width", "_Object0_height",
		"_Object1_", "_Object1_x", "_Object1_y", "_Object1_width", "_Object1_height"}, records[0])
	assert.Equal(t, []string{"31", "2", "cat", "0.2", "0.3", "0.2", "0.2", "dog", "0.75", "0.5", "0.5", "1"}, records[1])
	assert.Equal(t, []string{"32", "1", "dog", "0.25", "0.5", "0.5", "1", "", "", "", "", ""}, records[2])
}

func TestGetSegmentationAnnotations(t *testing.T) {
	f := newFakeCVAT(t)
	srv := imageServer(t)
	p, table := postImages(t, f, srv, annotation.SemanticSegmentation)
	f.annotations = map[string]interface{}{
		"shapes": []map[string]interface{}{
			{"type": "polygon", "frame": 0, "label_id": 100, "points": []float64{0, 0, 50, 0, 50, 25}},
			{"type": "points", "frame": 1, "label_id": 100, "points": []float64{1, 1}},
		},
	}

	require.NoError(t, p.GetAnnotations(context.Background(), p.session.Table("annotated", ""), table))
	assert.Equal(t, [][]string{
		{"_id_", "_nObjects_", "_Object0_", "_Object0_points"},
		{"31", "1", "cat", "0 0 0.5 0 0.5 0.5"},
	}, readUploadedCSV(t, srv))
}

func TestGetAnnotationsNeedsPostedTable(t *testing.T) {
	f := newFakeCVAT(t)
	srv := imageServer(t)
	p, _ := postImages(t, f, srv, annotation.Classification)
	other, err := imagetable.New(context.Background(), p.session.Table("other", ""), imagetable.Columns{})
	require.NoError(t, err)
	assert.ErrorIs(t, p.GetAnnotations(context.Background(), p.session.Table("out", ""), other), errNoTasks)
}

func TestTaskFromDict(t *testing.T) {
	doc := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"task_id": 7,
		"name": "CAS_s_UUID_u",
		"image_table_name": "casuser.pets",
		"image_table": {"image": "_image_", "id": "_id_", "label": null},
		"start_image_id": 31,
		"end_image_id": 32,
		"image_ids": [31, 32]
	}`), &doc))
	task, err := TaskFromDict(doc)
	require.NoError(t, err)
	assert.Equal(t, 7, task.TaskID)
	assert.Equal(t, "_image_", task.Columns.Image)
	assert.Empty(t, task.Columns.Label)
	assert.Equal(t, []int64{31, 32}, task.ImageIDs)

	data, err := json.Marshal(task.ToDict())
	require.NoError(t, err)
	again, err := taskFromJSON(string(data))
	require.NoError(t, err)
	assert.Equal(t, task, again)

	delete(doc, "image_table_name")
	_, err = TaskFromDict(doc)
	assert.Error(t, err)

	_, err = taskFromJSON(`{"task_id": "seven"}`)
	assert.Error(t, err)
}

func TestSaveAndResume(t *testing.T) {
	f := newFakeCVAT(t)
	srv := imageServer(t)
	p, _ := postImages(t, f, srv, annotation.ObjectDetection)

	db, err := models.ConnectDataBase(filepath.Join(t.TempDir(), "cvscope.sqlite"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	require.NoError(t, p.Save(ctx, db))

	resumed := &Project{HTTPClient: f.Client()}
	require.NoError(t, resumed.Resume(ctx, db, 12, p.session, &annotation.Credentials{Token: "abc123"}))
	assert.Equal(t, p.ID(), resumed.ID())
	assert.Equal(t, p.Name(), resumed.Name())
	assert.Equal(t, annotation.ObjectDetection, resumed.AnnotationType())
	assert.Equal(t, p.Labels(), resumed.Labels())
	require.Len(t, resumed.Tasks(), 1)
	assert.Equal(t, p.Tasks()[0], resumed.Tasks()[0])
	assert.Equal(t, f.URL, resumed.client.URL())

	assert.Error(t, (&Project{}).Resume(ctx, db, 99, p.session, nil))
}

func TestResumeFallsBackToDefaultURL(t *testing.T) {
	f := newFakeCVAT(t)
	db, err := models.ConnectDataBase(filepath.Join(t.TempDir(), "cvscope.sqlite"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.SaveProject(db, &models.Project{CVATProjectID: 12, Name: "lesions"}))

	ctx := context.Background()
	err = (&Project{}).Resume(ctx, db, 12, nil, nil)
	assert.ErrorIs(t, err, errNoServer)

	p := &Project{HTTPClient: f.Client(), DefaultURL: f.URL}
	require.NoError(t, p.Resume(ctx, db, 12, nil, &annotation.Credentials{Username: "annotator", Password: "hunter2"}))
	assert.Equal(t, f.URL, p.client.URL())
	require.NoError(t, p.Delete(ctx))
	assert.True(t, f.deleted)
}

type scriptedPrompter struct {
	answers   []string
	printed   []string
	questions []string
}

func (s *scriptedPrompter) next() (string, error) {
	if len(s.answers) == 0 {
		return "", errors.New("no more answers")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func (s *scriptedPrompter) Prompt(q string) (string, error) {
	s.questions = append(s.questions, q)
	return s.next()
}
func (s *scriptedPrompter) PromptPassword(string) (string, error) { return s.next() }
func (s *scriptedPrompter) Println(a ...interface{}) {
	s.printed = append(s.printed, strings.TrimSpace(fmt.Sprintln(a...)))
}

func TestGenerateToken(t *testing.T) {
	f := newFakeCVAT(t)
	home := t.TempDir()
	p := &scriptedPrompter{answers: []string{
		"not a url", f.URL,
		"annotator", "wrong",
		"annotator", "hunter2",
	}}

	path, err := GenerateToken(context.Background(), p, f.Client(), home, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, annotation.DefaultAuthFile), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "abc123")
	assert.Contains(t, p.printed, "The URL you entered is invalid.")
	assert.Contains(t, p.printed, "Authentication failed: Unable to log in with provided credentials.")
}

func TestGenerateTokenGivesUp(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"a", "b", "c"}}
	_, err := GenerateToken(context.Background(), p, nil, t.TempDir(), "")
	assert.ErrorIs(t, err, errTooManyAttempts)

	p = &scriptedPrompter{answers: []string{"", "", ""}}
	_, err = GenerateToken(context.Background(), p, nil, t.TempDir(), "not a url")
	assert.ErrorIs(t, err, errTooManyAttempts)
	assert.Equal(t, "Enter CVAT Application URL: ", p.questions[0])
}

func TestGenerateTokenDefaultURL(t *testing.T) {
	f := newFakeCVAT(t)
	p := &scriptedPrompter{answers: []string{"", "annotator", "hunter2"}}
	path, err := GenerateToken(context.Background(), p, f.Client(), t.TempDir(), f.URL)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Enter CVAT Application URL [%s]: ", f.URL), p.questions[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "abc123")
}
