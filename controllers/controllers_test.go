package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cvscope/annotation"
	"cvscope/cas"
	"cvscope/cas/castest"
	"cvscope/deepzoom"
	"cvscope/imagetable"
	"cvscope/models"
	"cvscope/tuner"
	"cvscope/ndarray"
	"cvscope/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var imageColumns = []string{"_image_", "_dimension_", "_resolution_", "_channelType_"}

func init() {
	gin.SetMode(gin.TestMode)
}

// imageServer A CAS table whose every row holds arr
func imageServer(t *testing.T, arr *ndarray.Array) *castest.Server {
	t.Helper()
	srv := castest.NewServer(t)
	srv.Handle("table.columnInfo", castest.ColumnInfo(imageColumns...))
	srv.Handle("table.fetch", func(params map[string]interface{}) (map[string]interface{}, error) {
		if params["from"].(float64) > 2 {
			return map[string]interface{}{"Fetch": castest.Table("Fetch", imageColumns, nil)}, nil
		}
		return map[string]interface{}{"Fetch": castest.Table("Fetch", imageColumns, [][]interface{}{
			{arr.Bytes(), float64(arr.NDim()), utils.EncodeResolution(arr.Shape()), "8U"},
		})}, nil
	})
	return srv
}

func plane(t *testing.T) *ndarray.Array {
	t.Helper()
	arr, err := ndarray.FromFloat64s(ndarray.Uint8, []int{2, 3}, []float64{0, 50, 100, 150, 200, 250})
	require.NoError(t, err)
	return arr
}

func volume(t *testing.T) *ndarray.Array {
	t.Helper()
	values := make([]float64, 24)
	for i := range values {
		values[i] = float64(i)
	}
	arr, err := ndarray.FromFloat64s(ndarray.Uint8, []int{2, 3, 4}, values)
	require.NoError(t, err)
	return arr
}

func tableRouter(session *cas.Session) *gin.Engine {
	r := gin.New()
	tables := NewTables(session, imagetable.NewRowCache(1<<20, 60), time.Minute)
	routes := r.Group("/api/v1/tables/:caslib/:table")
	routes.GET("/images/:n", GetImage(tables))
	routes.GET("/geometry", GetGeometry(tables))
	routes.GET("/slices/:index", GetSlice(tables))
	routes.GET("/montage.png", GetMontage(tables))
	routes.GET("/thumbnail.png", GetTableThumbnail(tables))
	routes.GET("/thumbnail.jpg", GetTableThumbnail(tables))
	return r
}

func get(r http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	r.ServeHTTP(w, req)
	return w
}

func decodePNG(t *testing.T, w *httptest.ResponseRecorder) (int, int) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestSplitExtension(t *testing.T) {
	n, format, err := splitExtension("12.png")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "png", format)

	_, format, err = splitExtension("3.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	n, format, err = splitExtension("7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "png", format)

	_, _, err = splitExtension("1.tiff")
	assert.ErrorIs(t, err, errExtension)
	_, _, err = splitExtension("-1.png")
	assert.Error(t, err)
}

func TestGetImage(t *testing.T) {
	srv := imageServer(t, plane(t))
	r := tableRouter(srv.Connect(t))

	w, h := decodePNG(t, get(r, "/api/v1/tables/casuser/ct/images/0.png"))
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)

	resp := get(r, "/api/v1/tables/casuser/ct/images/1.jpg?Q=90")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "image/jpeg", resp.Header().Get("Content-Type"))

	fetches := srv.Calls("table.fetch")
	table := fetches[0].Params["table"].(map[string]interface{})
	assert.Equal(t, "ct", table["name"])
	assert.Equal(t, "casuser", table["caslib"])

	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/images/0.gif").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/images/0.jpg?Q=0").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/tables/casuser/ct/images/5.png").Code)
}

func TestGetImageOfMissingTable(t *testing.T) {
	srv := castest.NewServer(t)
	srv.Handle("table.columnInfo", func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("table ct could not be located")
	})
	r := tableRouter(srv.Connect(t))
	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/tables/casuser/ct/images/0.png").Code)
}

func TestTablesOpenOncePerTable(t *testing.T) {
	srv := imageServer(t, plane(t))
	r := tableRouter(srv.Connect(t))

	for _, url := range []string{
		"/api/v1/tables/casuser/ct/images/0.png",
		"/api/v1/tables/casuser/ct/thumbnail.png?size=2",
		"/api/v1/tables/CASUSER/CT/geometry",
	} {
		require.Equal(t, http.StatusOK, get(r, url).Code, url)
	}
	assert.Len(t, srv.Calls("table.columnInfo"), 1)
	assert.Len(t, srv.Calls("builtins.loadActionSet"), 3)

	require.Equal(t, http.StatusOK, get(r, "/api/v1/tables/casuser/mr/images/0.png").Code)
	assert.Len(t, srv.Calls("table.columnInfo"), 2)
}

func TestTablesReopen(t *testing.T) {
	srv := imageServer(t, plane(t))
	session := srv.Connect(t)
	ctx := context.Background()

	tables := NewTables(session, nil, time.Hour)
	first, err := tables.Open(ctx, "casuser", "ct")
	require.NoError(t, err)
	again, err := tables.Open(ctx, "casuser", "ct")
	require.NoError(t, err)
	assert.Same(t, first, again)

	tables.Forget("casuser", "ct")
	again, err = tables.Open(ctx, "casuser", "ct")
	require.NoError(t, err)
	assert.NotSame(t, first, again)
	assert.Len(t, srv.Calls("table.columnInfo"), 2)

	expired := NewTables(session, nil, 0)
	_, err = expired.Open(ctx, "casuser", "ct")
	require.NoError(t, err)
	_, err = expired.Open(ctx, "casuser", "ct")
	require.NoError(t, err)
	assert.Len(t, srv.Calls("table.columnInfo"), 4)
}

func TestGetImageOfVolumeIsMontage(t *testing.T) {
	r := tableRouter(imageServer(t, volume(t)).Connect(t))
	w, _ := decodePNG(t, get(r, "/api/v1/tables/casuser/ct/images/0"))
	assert.Equal(t, 27, w)
}

func TestGetSlice(t *testing.T) {
	r := tableRouter(imageServer(t, volume(t)).Connect(t))

	w, h := decodePNG(t, get(r, "/api/v1/tables/casuser/ct/slices/1.png?axis=z&min=0&max=23&colormap=coolwarm"))
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)

	w, h = decodePNG(t, get(r, "/api/v1/tables/casuser/ct/slices/0.png?axis=x"))
	assert.Equal(t, 4, w)
	assert.Equal(t, 3, h)

	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/slices/9.png?axis=z").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/slices/0.png?axis=w").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/slices/0.png?min=low").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/slices/0.png?colormap=nope").Code)
}

func TestGetMontageAndThumbnail(t *testing.T) {
	r := tableRouter(imageServer(t, volume(t)).Connect(t))

	w, h := decodePNG(t, get(r, "/api/v1/tables/casuser/ct/montage.png?x=1&y=2&z=3"))
	assert.Equal(t, 27, w)
	assert.Equal(t, 11, h)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/montage.png?x=one").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/montage.png?x=5").Code)

	w, _ = decodePNG(t, get(r, "/api/v1/tables/casuser/ct/thumbnail.png?size=9"))
	assert.Equal(t, 9, w)
	resp := get(r, "/api/v1/tables/casuser/ct/thumbnail.jpg?size=9")
	assert.Equal(t, "image/jpeg", resp.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/tables/casuser/ct/thumbnail.png?size=2000").Code)
}

func TestGetGeometryWithoutGeometryColumns(t *testing.T) {
	r := tableRouter(imageServer(t, plane(t)).Connect(t))
	resp := get(r, "/api/v1/tables/casuser/ct/geometry")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":{"position":null,"orientation":null,"spacing":null}}`, resp.Body.String())
}

func deepZoomRouter(t *testing.T, session *cas.Session) *gin.Engine {
	t.Helper()
	config := utils.DefaultConfig()
	config.DeepZoom.TileSize = 2
	config.DeepZoom.TileOverlap = 0
	cache := deepzoom.NewLocalCache(time.Hour)
	t.Cleanup(cache.StopCleanup)

	r := gin.New()
	dz := r.Group("/deepzoom/:caslib/:table/:n")
	tables := NewTables(session, nil, time.Minute)
	dz.GET("/slide.dzi", GetDzi(tables, cache, config))
	dz.GET("/slide_files/:level/:location", GetTile(tables, cache, config))
	dz.GET("/thumbnail.png", GetDeepZoomThumbnail(tables, cache, config))
	return r
}

func TestDeepZoomRoutes(t *testing.T) {
	srv := imageServer(t, plane(t))
	r := deepZoomRouter(t, srv.Connect(t))

	resp := get(r, "/deepzoom/casuser/ct/0/slide.dzi")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `TileSize="2"`)
	assert.Contains(t, resp.Body.String(), `<Size Width="3" Height="2">`)

	// levels 1x1, 2x1 and 3x2; the last has two columns of 2 pixel tiles
	w, h := decodePNG(t, get(r, "/deepzoom/casuser/ct/0/slide_files/2/1_0.png"))
	assert.Equal(t, 1, w)
	assert.Equal(t, 2, h)
	w, _ = decodePNG(t, get(r, "/deepzoom/casuser/ct/0/thumbnail.png?size=2"))
	assert.Equal(t, 2, w)

	// the pyramid is cached after the first request
	assert.Len(t, srv.Calls("table.fetch"), 1)

	assert.Equal(t, http.StatusNotFound, get(r, "/deepzoom/casuser/ct/0/slide_files/2/5_0.png").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/deepzoom/casuser/ct/0/slide_files/7/0_0.png").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/deepzoom/casuser/ct/0/slide_files/2/0-0.png").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/deepzoom/casuser/ct/0/slide_files/2/0_0.bmp").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/deepzoom/casuser/ct/4/slide.dzi").Code)
}

func projectDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.ConnectDataBase(filepath.Join(t.TempDir(), "cvscope.sqlite"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.SaveProject(db, &models.Project{
		CVATProjectID: 12,
		Name:          "lesions",
		URL:           "http://cvat.local",
		Labels:        []models.Label{{CVATLabelID: 1, Name: "tumor"}},
	}))
	return db
}

func TestProjectRoutes(t *testing.T) {
	db := projectDB(t)
	r := gin.New()
	r.GET("/projects", FindProjects(db))
	r.GET("/projects/:id", FindProject(db))
	r.DELETE("/projects/:id", DeleteProject(db, CVATSettings{}))

	resp := get(r, "/projects")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Data []models.Project `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "lesions", list.Data[0].Name)
	assert.Equal(t, "tumor", list.Data[0].Labels[0].Name)

	assert.Equal(t, http.StatusOK, get(r, "/projects/12").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/projects/13").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/projects/twelve").Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/projects/12", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/projects/12").Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/projects/12", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func post(r http.Handler, url, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// fakeCVAT Answers the task and project routes of a CVAT server holding project 14
func fakeCVAT(t *testing.T, statusCalls *atomic.Int32, deleted *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/14", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token abc123", r.Header.Get("Authorization"))
		deleted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	})
	mux.HandleFunc("/api/tasks/7/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/api/tasks/7/status", func(w http.ResponseWriter, r *http.Request) {
		state := "Started"
		if statusCalls.Add(1) > 1 {
			state = "Finished"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
	})
	mux.HandleFunc("/api/tasks/7/annotations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tags":[{"frame":0,"label_id":1}]}`))
	})
	mux.HandleFunc("/api/tasks/7/data/meta", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"frames":[{"width":4,"height":4,"name":"a.png"}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestProjectCVATRoutes(t *testing.T) {
	var statusCalls atomic.Int32
	var deleted atomic.Bool
	cvatServer := fakeCVAT(t, &statusCalls, &deleted)

	srv := castest.NewServer(t)
	srv.Handle("table.columnInfo", castest.ColumnInfo("_image_", "_id_"))
	srv.Handle("session.sessionId", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"session": "s-1"}, nil
	})
	srv.Handle("table.recordCount", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"RecordCount": castest.Table("RecordCount", []string{"N"}, [][]interface{}{{float64(1)}})}, nil
	})
	srv.Handle("table.fetch", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"Fetch": castest.Table("Fetch", []string{"_image_", "_id_"}, [][]interface{}{
			{[]byte("\x89PNG\r\n\x1a\n"), float64(5)},
		})}, nil
	})
	session := srv.Connect(t)

	// stored without a server URL, so the configured one is used
	db := projectDB(t)
	require.NoError(t, models.SaveProject(db, &models.Project{
		CVATProjectID:  14,
		Name:           "pets",
		AnnotationType: int(annotation.Classification),
		Labels:         []models.Label{{CVATLabelID: 1, Name: "cat"}},
	}))
	settings := CVATSettings{
		URL:          cvatServer.URL,
		Credentials:  &annotation.Credentials{Token: "abc123"},
		PollInterval: time.Millisecond,
		HTTPClient:   cvatServer.Client(),
	}
	r := gin.New()
	r.DELETE("/projects/:id", DeleteProject(db, settings))
	r.POST("/projects/:id/tasks", PostProjectImages(db, session, settings))
	r.POST("/projects/:id/annotations", GetProjectAnnotations(db, session, settings))

	start := time.Now()
	resp := post(r, "/projects/14/tasks", `{"caslib":"casuser","table":"pets"}`)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.EqualValues(t, 2, statusCalls.Load())
	assert.Less(t, time.Since(start), time.Second)
	stored, err := models.FindProject(db, 14)
	require.NoError(t, err)
	require.Len(t, stored.Tasks, 1)
	assert.Equal(t, "casuser.pets", stored.Tasks[0].ImageTableName)

	resp = post(r, "/projects/14/annotations", `{"caslib":"casuser","table":"pets","out_table":"labelled"}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Len(t, srv.Uploads(), 1)
	assert.Contains(t, string(srv.Uploads()[0].Data), "5,cat")
	assert.Len(t, srv.Calls("fedsql.execDirect"), 1)

	assert.Equal(t, http.StatusBadRequest, post(r, "/projects/14/tasks", `{"caslib":"casuser"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/projects/14/annotations", `{"table":"pets"}`).Code)
	assert.Equal(t, http.StatusNotFound, post(r, "/projects/99/tasks", `{"table":"pets"}`).Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/projects/14?remote=true", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, deleted.Load())
}

func TestParseRange(t *testing.T) {
	rng, err := parseRange("2, 9, 3", tuner.DefaultRange)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8}, rng.Values())

	rng, err = parseRange("", tuner.DefaultRange)
	require.NoError(t, err)
	assert.Equal(t, tuner.DefaultRange, rng)

	_, err = parseRange("1,2", tuner.DefaultRange)
	assert.Error(t, err)
	_, err = parseRange("a,b,c", tuner.DefaultRange)
	assert.Error(t, err)
}

func TestTunerWebsocket(t *testing.T) {
	srv := castest.NewServer(t)
	srv.ElapsedTime = 1.5
	srv.Handle("builtins.serverStatus", castest.ServerStatus(1))

	r := gin.New()
	r.GET("/api/v1/tuner/ws", TuneThreadCount(srv.Config()))
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	resp := get(r, "/api/v1/tuner/ws?path=images")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/api/v1/tuner/ws?caslib=dlib&path=images&iterations=1&controller=2,5,2&objective=median"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var messages []TunerMessage
	for len(messages) < 3 {
		var m TunerMessage
		require.NoError(t, conn.ReadJSON(&m))
		messages = append(messages, m)
	}
	assert.Equal(t, "measurement", messages[0].Type)
	assert.Equal(t, 2, messages[0].Measurement.Controller)
	assert.Equal(t, 2, messages[0].Measurement.Worker)
	assert.Equal(t, 1.5, messages[0].Measurement.Seconds)
	assert.Equal(t, 4, messages[1].Measurement.Controller)
	require.Equal(t, "results", messages[2].Type)
	assert.Equal(t, [][]float64{{1.5}, {1.5}}, messages[2].Results.MedianExecTimes)
	assert.Equal(t, 2, messages[2].Results.ControllerOptimalThreadCount)

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	plot, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 640, plot.Bounds().Dx())

	assert.Len(t, srv.Calls("image.loadImages"), 2)
}
