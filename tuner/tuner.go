// Package tuner finds the CAS thread counts that run an image action fastest.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"cvscope/cas"

	log "github.com/sirupsen/logrus"
)

// Statistic Summary of the run times of one thread combination
type Statistic int

const (
	Mean Statistic = iota
	Median
	Minimum
	Maximum
	Stdev
)

var statisticNames = [...]string{"MEAN", "MEDIAN", "MINIMUM", "MAXIMUM", "STDEV"}

func (s Statistic) String() string {
	if s < 0 || int(s) >= len(statisticNames) {
		return fmt.Sprintf("Statistic(%d)", int(s))
	}
	return statisticNames[s]
}

// ParseStatistic Inverse of Statistic.String, case sensitive
func ParseStatistic(name string) (Statistic, error) {
	for i, n := range statisticNames {
		if n == name {
			return Statistic(i), nil
		}
	}
	return 0, fmt.Errorf("unknown statistic %q", name)
}

func (s Statistic) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Statistic) UnmarshalText(text []byte) error {
	v, err := ParseStatistic(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ServerMode CAS server architecture
type ServerMode int

const (
	SMP ServerMode = iota + 1
	MPP
)

func (m ServerMode) String() string {
	switch m {
	case SMP:
		return "SMP"
	case MPP:
		return "MPP"
	}
	return fmt.Sprintf("ServerMode(%d)", int(m))
}

func (m ServerMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ServerMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "SMP":
		*m = SMP
	case "MPP":
		*m = MPP
	default:
		return fmt.Errorf("unknown server mode %q", text)
	}
	return nil
}

// Range Thread counts Start, Start+Step, ... below Stop
type Range struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
	Step  int `json:"step"`
}

// DefaultRange 4 to 64 threads in steps of 4
var DefaultRange = Range{Start: 4, Stop: 65, Step: 4}

// Values The thread counts of the range
func (r Range) Values() []int {
	if r.Step <= 0 {
		return nil
	}
	var out []int
	for v := r.Start; v < r.Stop; v += r.Step {
		out = append(out, v)
	}
	return out
}

// Measurement One timed run of the action
type Measurement struct {
	Controller int     `json:"controller"`
	Worker     int     `json:"worker"`
	Iteration  int     `json:"iteration"`
	Seconds    float64 `json:"seconds"`
}

// Options Settings of TuneThreadCount. Zero values take the defaults.
type Options struct {
	Iterations      int
	ControllerRange Range
	WorkerRange     Range
	Objective       Statistic
	// Progress, when set, receives every measurement as it completes
	Progress func(Measurement)
}

func (o Options) withDefaults() Options {
	if o.Iterations == 0 {
		o.Iterations = 5
	}
	if o.ControllerRange == (Range{}) {
		o.ControllerRange = DefaultRange
	}
	if o.WorkerRange == (Range{}) {
		o.WorkerRange = DefaultRange
	}
	return o
}

// StatusReporter Sessions that can report the CAS server status
type StatusReporter interface {
	ServerStatus(ctx context.Context) (*cas.ServerStatus, error)
}

var (
	errNoIterations = errors.New("iterations must be positive")
	errEmptyRange   = errors.New("thread range is empty")
)

// TuneThreadCount Time action for every thread combination and pick the combination with
// the lowest objective statistic. action runs the image action once and returns its run
// time in seconds. An SMP server (one node) runs each controller count with
// an equal worker count, an MPP server runs every controller and worker pair. teardown runs
// once setup succeeded, also when tuning fails.
func TuneThreadCount[S StatusReporter](ctx context.Context,
	action func(ctx context.Context, s S, controllerThreads, workerThreads int) (float64, error),
	setup func(context.Context) (S, error),
	teardown func(context.Context, S) error,
	opts Options) (results *Results, err error) {
	opts = opts.withDefaults()
	if opts.Iterations < 1 {
		return nil, errNoIterations
	}
	if opts.Objective < Mean || opts.Objective > Stdev {
		return nil, fmt.Errorf("invalid objective %s", opts.Objective)
	}
	controllers := opts.ControllerRange.Values()
	workers := opts.WorkerRange.Values()
	if len(controllers) == 0 || len(workers) == 0 {
		return nil, errEmptyRange
	}

	s, err := setup(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	defer func() {
		if terr := teardown(context.WithoutCancel(ctx), s); terr != nil {
			if err == nil {
				err = fmt.Errorf("teardown: %w", terr)
				results = nil
			} else {
				log.Warn("Teardown after failed tuning: ", terr)
			}
		}
	}()

	status, err := s.ServerStatus(ctx)
	if err != nil {
		return nil, err
	}
	mode := MPP
	workerCounts := workers
	if status.Nodes == 1 {
		mode = SMP
		workerCounts = []int{0}
	}
	log.WithFields(log.Fields{
		"mode":        mode,
		"controllers": len(controllers),
		"workers":     len(workerCounts),
		"iterations":  opts.Iterations,
	}).Info("Tuning thread counts")

	grids := make(map[Statistic][][]float64, len(statisticNames))
	for stat := Mean; stat <= Stdev; stat++ {
		grids[stat] = newGrid(len(controllers), len(workerCounts))
	}
	record := make([]float64, opts.Iterations)
	for ci, c := range controllers {
		for wi, w := range workerCounts {
			if mode == SMP {
				w = c
			}
			for it := range record {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				seconds, err := action(ctx, s, c, w)
				if err != nil {
					return nil, fmt.Errorf("controller threads %d, worker threads %d: %w", c, w, err)
				}
				record[it] = seconds
				if opts.Progress != nil {
					opts.Progress(Measurement{Controller: c, Worker: w, Iteration: it, Seconds: seconds})
				}
			}
			for stat, value := range summarize(record) {
				grids[Statistic(stat)][ci][wi] = value
			}
		}
	}

	bestC, bestW := argmin(grids[opts.Objective])
	results = &Results{
		Mode:                         mode,
		ControllerRange:              opts.ControllerRange,
		WorkerRange:                  opts.WorkerRange,
		Objective:                    opts.Objective,
		ControllerOptimalThreadCount: controllers[bestC],
		MeanExecTimes:                grids[Mean],
		MedianExecTimes:              grids[Median],
		MinimumExecTimes:             grids[Minimum],
		MaximumExecTimes:             grids[Maximum],
		StdevExecTimes:               grids[Stdev],
	}
	if mode == MPP {
		w := workers[bestW]
		results.WorkerOptimalThreadCount = &w
	}
	return results, nil
}

func newGrid(rows, cols int) [][]float64 {
	grid := make([][]float64, rows)
	for i := range grid {
		grid[i] = make([]float64, cols)
	}
	return grid
}

// summarize Mean, median, minimum, maximum and population standard deviation of values,
// each rounded to 4 decimals, in Statistic order.
func summarize(values []float64) [5]float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	variance := 0.0
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	return [5]float64{
		round4(mean),
		round4(median),
		round4(sorted[0]),
		round4(sorted[n-1]),
		round4(math.Sqrt(variance)),
	}
}

// round4 Rounds the stored binary value of v to 4 decimals: 2.67455 gives 2.6745
func round4(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 4, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// argmin Position of the first smallest value, scanning row by row
func argmin(grid [][]float64) (int, int) {
	bi, bj := 0, 0
	for i, row := range grid {
		for j, v := range row {
			if v < grid[bi][bj] {
				bi, bj = i, j
			}
		}
	}
	return bi, bj
}
