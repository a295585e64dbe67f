package reasoning

import "errors"

const (
	minPriority = 1
	maxPriority = 4
)

// ErrMalformed marks a remote response that could not be coerced into the expected shape.
var ErrMalformed = errors.New("malformed response")

// AnalysisResult is the normalized classification of an inbound message.
type AnalysisResult struct {
	Priority       int     `json:"priority"`
	Summary        string  `json:"summary"`
	ActionRequired bool    `json:"action_required"`
	Deadline       *string `json:"deadline"`
	ReplyText      *string `json:"reply_text"`
	SaveMemory     *string `json:"save_memory"`
}

// Valid reports whether the result carries a priority in the 1..4 range.
func (r AnalysisResult) Valid() bool {
	return r.Priority >= minPriority && r.Priority <= maxPriority
}

func fallbackAnalysis(summary string) AnalysisResult {
	return AnalysisResult{
		Priority: maxPriority,
		Summary:  summary,
	}
}

type TurnStatus string

const (
	StatusContinue TurnStatus = "CONTINUE"
	StatusFinish   TurnStatus = "FINISH"
)

// TurnResult is the receptionist's reply for one session turn.
type TurnResult struct {
	Reply  string     `json:"reply"`
	Status TurnStatus `json:"status"`
}

// SessionSummary is a closed session condensed into a work item.
type SessionSummary struct {
	Summary  string  `json:"summary"`
	Priority int     `json:"priority"`
	Deadline *string `json:"deadline"`
}

const (
	summaryAnalysisFailed   = "Analysis failed"
	summaryInvalidFormat    = "Invalid analysis format"
	summaryMissing          = "(no summary)"
	discussionsEmpty        = "No meaningful discussions to report."
	discussionsFailed       = "Failed to generate summary."
	sessionTurnApology      = "I've noted that down. (Error)"
	sessionSummaryFailed    = "Review conversation (Summary Failed)"
	sessionSummaryPriority  = 3
	diagnosticLength        = 50
	dedupRemoteThreshold    = 5
	analysisMaxAttempts     = 3
	analysisBackoffBaseSecs = 2
)
