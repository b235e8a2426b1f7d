package controllers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cvscope/cas"
	"cvscope/tuner"
	"cvscope/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TunerMessage A JSON message on the tuner websocket. Type is "measurement", "results" or
// "error". A "results" message is followed by the binary PNG of the plot.
type TunerMessage struct {
	Type        string             `json:"type"`
	Measurement *tuner.Measurement `json:"measurement,omitempty"`
	Results     *tuner.Results     `json:"results,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// parseRange Parse "start,stop,step"
func parseRange(value string, fallback tuner.Range) (tuner.Range, error) {
	if value == "" {
		return fallback, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return tuner.Range{}, fmt.Errorf("range %q must be start,stop,step", value)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return tuner.Range{}, fmt.Errorf("range %q: %w", value, err)
		}
		v[i] = n
	}
	return tuner.Range{Start: v[0], Stop: v[1], Step: v[2]}, nil
}

// tunerRequest The loadImages action and tuning options from the query string
func tunerRequest(c *gin.Context) (tuner.LoadImages, tuner.Options, error) {
	load := tuner.LoadImages{
		Caslib:   c.Query("caslib"),
		Path:     c.Query("path"),
		DataPath: c.Query("dataPath"),
	}
	var opts tuner.Options
	if load.Caslib == "" || load.Path == "" {
		return load, opts, fmt.Errorf("caslib and path are required")
	}
	var err error
	if opts.Iterations, err = queryInt(c, "iterations", 5); err != nil {
		return load, opts, err
	}
	if opts.ControllerRange, err = parseRange(c.Query("controller"), tuner.DefaultRange); err != nil {
		return load, opts, err
	}
	if opts.WorkerRange, err = parseRange(c.Query("worker"), tuner.DefaultRange); err != nil {
		return load, opts, err
	}
	if obj := c.Query("objective"); obj != "" {
		if opts.Objective, err = tuner.ParseStatistic(strings.ToUpper(obj)); err != nil {
			return load, opts, err
		}
	}
	return load, opts, nil
}

// TuneThreadCount Run a loadImages thread count tuning over a websocket. Every measurement
// is streamed as it completes; closing the socket cancels the tuning.
func TuneThreadCount(casConfig cas.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		load, opts, err := tunerRequest(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("Websocket upgrade failed: ", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		opts.Progress = func(m tuner.Measurement) {
			if err := conn.WriteJSON(TunerMessage{Type: "measurement", Measurement: &m}); err != nil {
				log.Debug("Cannot send measurement: ", err)
				cancel()
			}
		}
		log.WithFields(log.Fields{"caslib": load.Caslib, "path": load.Path}).Info("Tuning loadImages thread counts")
		results, err := tuner.TuneThreadCount(ctx, load.Action, load.Setup(casConfig), tuner.Teardown, opts)
		if err != nil {
			log.Warn("Thread count tuning failed: ", err)
			_ = conn.WriteJSON(TunerMessage{Type: "error", Error: err.Error()})
			return
		}
		if err := conn.WriteJSON(TunerMessage{Type: "results", Results: results}); err != nil {
			return
		}
		plot, err := results.PlotExecTimes(640, 480)
		if err != nil {
			log.Warn("Cannot plot tuning results: ", err)
			return
		}
		data, err := utils.ImageToPngBuffer(plot)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, data)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}
}
