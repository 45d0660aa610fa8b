package runtime

import "github.com/FranGenoa/HeadlineArt/coreengine/envelope"

// Result is the transport-neutral summary of a finished run.
type Result struct {
	RunID          string                   `json:"run_id"`
	Status         string                   `json:"status"` // success, error, dropped
	TerminalReason string                   `json:"terminal_reason"`
	ReviewCycles   int                      `json:"review_cycles"`
	Visits         []string                 `json:"visits"`
	Output         *envelope.TerminalOutput `json:"output,omitempty"`
	OutputText     string                   `json:"output_text,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// NewResult summarises run after Execute returned err.
func NewResult(run *envelope.Run, err error) *Result {
	state := run.ToStateDict()
	res := &Result{
		RunID:          run.RunID,
		Status:         RunStatus(run, err),
		TerminalReason: string(run.Reason()),
		ReviewCycles:   run.Cycle(),
	}
	if visits, ok := state["visits"].([]string); ok {
		res.Visits = visits
	}
	if out, ok := state["output"].(envelope.TerminalOutput); ok {
		res.Output = &out
		res.OutputText = out.Text()
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
