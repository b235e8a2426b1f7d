package cvat

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"cvscope/annotation"
	"cvscope/cas"
	"cvscope/imagetable"
	"cvscope/utils"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	idColumn       = "_id_"
	labelColumn    = "_label_"
	nObjectsColumn = "_nObjects_"
)

// maxConcurrentPulls Tasks whose annotations are downloaded at the same time
const maxConcurrentPulls = 4

var errNoTasks = errors.New("no images of this table were posted to the project")

type tag struct {
	Frame   int `json:"frame"`
	LabelID int `json:"label_id"`
}

type shape struct {
	Type    string    `json:"type"`
	Frame   int       `json:"frame"`
	LabelID int       `json:"label_id"`
	Points  []float64 `json:"points"`
}

type frameMeta struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name"`
}

// object An annotated region, in coordinates relative to the image size
type object struct {
	label  string
	x, y   float64
	width  float64
	height float64
	points []float64
}

// imageAnnotations Everything annotated on one image
type imageAnnotations struct {
	id      int64
	label   string
	objects []object
}

// taskAnnotations Download the annotations of a task and key them by image id
func (p *Project) taskAnnotations(ctx context.Context, t *Task) ([]imageAnnotations, error) {
	var anns struct {
		Tags   []tag   `json:"tags"`
		Shapes []shape `json:"shapes"`
	}
	err := p.client.doJSON(ctx, "task annotations", http.MethodGet,
		fmt.Sprintf("/api/tasks/%d/annotations", t.TaskID), nil, &anns, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var meta struct {
		Frames []frameMeta `json:"frames"`
	}
	err = p.client.doJSON(ctx, "task meta", http.MethodGet,
		fmt.Sprintf("/api/tasks/%d/data/meta", t.TaskID), nil, &meta, http.StatusOK)
	if err != nil {
		return nil, err
	}

	labels := make(map[int]string, len(p.labels))
	for _, l := range p.labels {
		labels[l.ID] = l.Name
	}
	byFrame := make(map[int]*imageAnnotations)
	frame := func(f int) (*imageAnnotations, error) {
		if f < 0 || f >= len(t.ImageIDs) {
			return nil, fmt.Errorf("task %d has no frame %d", t.TaskID, f)
		}
		a, ok := byFrame[f]
		if !ok {
			a = &imageAnnotations{id: t.ImageIDs[f]}
			byFrame[f] = a
		}
		return a, nil
	}

	for _, tg := range anns.Tags {
		a, err := frame(tg.Frame)
		if err != nil {
			return nil, err
		}
		if a.label == "" {
			a.label = labels[tg.LabelID]
		}
	}
	for _, s := range anns.Shapes {
		a, err := frame(s.Frame)
		if err != nil {
			return nil, err
		}
		if s.Frame >= len(meta.Frames) {
			return nil, fmt.Errorf("task %d has no size for frame %d", t.TaskID, s.Frame)
		}
		o, ok := toObject(s, labels[s.LabelID], meta.Frames[s.Frame])
		if ok {
			a.objects = append(a.objects, o)
		}
	}

	out := make([]imageAnnotations, 0, len(byFrame))
	for _, a := range byFrame {
		out = append(out, *a)
	}
	return out, nil
}

// toObject Normalize a shape by the frame size. Rectangles become center and size,
// polygons keep their points.
func toObject(s shape, label string, size frameMeta) (object, bool) {
	if size.Width <= 0 || size.Height <= 0 {
		return object{}, false
	}
	w, h := float64(size.Width), float64(size.Height)
	switch s.Type {
	case "rectangle":
		if len(s.Points) != 4 {
			return object{}, false
		}
		x1, y1, x2, y2 := s.Points[0], s.Points[1], s.Points[2], s.Points[3]
		return object{
			label:  label,
			x:      (x1 + x2) / 2 / w,
			y:      (y1 + y2) / 2 / h,
			width:  (x2 - x1) / w,
			height: (y2 - y1) / h,
		}, true
	case "polygon":
		if len(s.Points) < 6 || len(s.Points)%2 != 0 {
			return object{}, false
		}
		points := make([]float64, len(s.Points))
		for i, v := range s.Points {
			if i%2 == 0 {
				points[i] = v / w
			} else {
				points[i] = v / h
			}
		}
		return object{label: label, points: points}, true
	}
	return object{}, false
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatPoints(points []float64) string {
	parts := make([]string, len(points))
	for i, v := range points {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

// annotationColumns The CSV columns besides _id_
func annotationColumns(annotationType annotation.AnnotationType, maxObjects int) []string {
	if annotationType == annotation.Classification {
		return []string{labelColumn}
	}
	cols := []string{nObjectsColumn}
	for i := 0; i < maxObjects; i++ {
		prefix := fmt.Sprintf("_Object%d_", i)
		if annotationType == annotation.SemanticSegmentation {
			cols = append(cols, prefix, prefix+"points")
		} else {
			cols = append(cols, prefix, prefix+"x", prefix+"y", prefix+"width", prefix+"height")
		}
	}
	return cols
}

// annotationsCSV One row per annotated image, sorted by image id
func annotationsCSV(annotationType annotation.AnnotationType, images []imageAnnotations) ([]byte, []string, error) {
	sort.Slice(images, func(i, j int) bool { return images[i].id < images[j].id })
	maxObjects := 0
	for _, a := range images {
		if len(a.objects) > maxObjects {
			maxObjects = len(a.objects)
		}
	}
	cols := annotationColumns(annotationType, maxObjects)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(append([]string{idColumn}, cols...)); err != nil {
		return nil, nil, err
	}
	for _, a := range images {
		record := []string{strconv.FormatInt(a.id, 10)}
		if annotationType == annotation.Classification {
			if a.label == "" {
				continue
			}
			record = append(record, a.label)
		} else {
			if len(a.objects) == 0 {
				continue
			}
			record = append(record, strconv.Itoa(len(a.objects)))
			for i := 0; i < maxObjects; i++ {
				if i >= len(a.objects) {
					if annotationType == annotation.SemanticSegmentation {
						record = append(record, "", "")
					} else {
						record = append(record, "", "", "", "", "")
					}
					continue
				}
				o := a.objects[i]
				if annotationType == annotation.SemanticSegmentation {
					record = append(record, o.label, formatPoints(o.points))
				} else {
					record = append(record, o.label, formatFloat(o.x), formatFloat(o.y),
						formatFloat(o.width), formatFloat(o.height))
				}
			}
		}
		if err := w.Write(record); err != nil {
			return nil, nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), cols, w.Error()
}

// joinedColumns Select list of the annotated table. Image table columns named like an
// annotation column are replaced by the annotation.
func joinedColumns(imageCols, annotationCols []string) []string {
	replaced := make(map[string]bool, len(annotationCols))
	for _, c := range annotationCols {
		replaced[strings.ToLower(c)] = true
	}
	selected := make([]string, 0, len(imageCols)+len(annotationCols))
	for _, c := range imageCols {
		if !replaced[strings.ToLower(c)] {
			selected = append(selected, fmt.Sprintf("b.%q", c))
		}
	}
	for _, c := range annotationCols {
		selected = append(selected, "a."+c)
	}
	return selected
}

// GetAnnotations Download the annotations of every task posted from table and store them,
// joined with the images, in annotated.
func (p *Project) GetAnnotations(ctx context.Context, annotated *cas.Table, table *imagetable.ImageTable) error {
	var tasks []*Task
	for _, t := range p.tasks {
		if t.ImageTableName == table.Table().String() {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return errNoTasks
	}
	idCol := table.Columns().ID
	if idCol == "" {
		return errNoImageColumn
	}

	results := make([][]imageAnnotations, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPulls)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			anns, err := p.taskAnnotations(gctx, t)
			if err != nil {
				return err
			}
			results[i] = anns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var images []imageAnnotations
	for _, r := range results {
		images = append(images, r...)
	}

	data, cols, err := annotationsCSV(p.annotationType, images)
	if err != nil {
		return err
	}
	s := table.Session()
	tmp := s.Table(utils.RandomNameGenerator{}.GenerateName("annotations"), "")
	if err := s.UploadCSV(ctx, data, tmp); err != nil {
		return err
	}
	defer func() {
		if err := tmp.Drop(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Cannot drop ", tmp, ": ", err)
		}
	}()

	query := fmt.Sprintf(`create table %s {options replace=true} as
		select %s
		from %s as a inner join %s as b
		on a.%s=b.%q`, annotated.SQLName(), strings.Join(joinedColumns(table.ColumnNames(), cols), ", "), tmp.SQLName(),
		table.Table().SQLName(), idColumn, idCol)
	if err := s.ExecFedSQL(ctx, query); err != nil {
		return err
	}
	log.WithFields(log.Fields{"project": p.id, "images": len(images), "table": annotated}).Info("Fetched CVAT annotations")
	return nil
}
