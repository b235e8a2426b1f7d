package tuner

// Results Outcome of TuneThreadCount. The exec time grids are indexed
// [controller][worker]; in SMP mode every row has a single column.
type Results struct {
	Mode                         ServerMode  `json:"mode"`
	ControllerRange              Range       `json:"controllerRange"`
	WorkerRange                  Range       `json:"workerRange"`
	Objective                    Statistic   `json:"objective"`
	ControllerOptimalThreadCount int         `json:"controllerOptimalThreadCount"`
	WorkerOptimalThreadCount     *int        `json:"workerOptimalThreadCount,omitempty"` // MPP only
	MeanExecTimes                [][]float64 `json:"meanExecTimes"`
	MedianExecTimes              [][]float64 `json:"medianExecTimes"`
	MinimumExecTimes             [][]float64 `json:"minimumExecTimes"`
	MaximumExecTimes             [][]float64 `json:"maximumExecTimes"`
	StdevExecTimes               [][]float64 `json:"stdevExecTimes"`
}

// ExecTimes The grid of the given statistic
func (r *Results) ExecTimes(stat Statistic) [][]float64 {
	switch stat {
	case Mean:
		return r.MeanExecTimes
	case Median:
		return r.MedianExecTimes
	case Minimum:
		return r.MinimumExecTimes
	case Maximum:
		return r.MaximumExecTimes
	}
	return r.StdevExecTimes
}

// ObjectiveExecTimes The grid of the objective statistic
func (r *Results) ObjectiveExecTimes() [][]float64 {
	return r.ExecTimes(r.Objective)
}
