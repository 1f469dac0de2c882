package domain

import "time"

// CycleConfig is immutable for the duration of one cycle run.
type CycleConfig struct {
	MaxTradesPerCycle   int
	ChunkSize           int
	ConfidenceThreshold float64 // 0..1, inclusive keep boundary
	ChunkDelay          time.Duration
	FetchDelay          time.Duration
	MacroEnabled        bool
}

type CyclePhase string

const (
	PhaseIdle         CyclePhase = "idle"
	PhaseFetching     CyclePhase = "fetching"
	PhaseAnalyzing    CyclePhase = "analyzing"
	PhasePrioritizing CyclePhase = "prioritizing"
	PhaseExecuting    CyclePhase = "executing"
	PhaseDone         CyclePhase = "done"
	PhaseAborted      CyclePhase = "aborted"
	PhaseFailed       CyclePhase = "failed"
)

// CycleTiming is the per-phase duration breakdown, in milliseconds.
type CycleTiming struct {
	FetchMs     int64 `json:"fetch_ms"`
	AnalysisMs  int64 `json:"analysis_ms"`
	ExecutionMs int64 `json:"execution_ms"`
}

// CycleResult summarizes one complete cycle pass. The orchestrator always
// returns one, whatever happened inside the cycle; it is observability
// output and is never persisted by the engine itself.
type CycleResult struct {
	Phase              CyclePhase  `json:"phase"` // done, aborted or failed
	Success            bool        `json:"success"`
	DecisionsCollected int         `json:"decisions_collected"`
	TradesExecuted     int         `json:"trades_executed"`
	Timing             CycleTiming `json:"timing"`
	Summary            string      `json:"summary,omitempty"`
	Err                error       `json:"-"`
}
