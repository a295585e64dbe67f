// Package policy decides when the assistant may speak for its owner.
package policy

import (
	"cortex/app/service/reasoning"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxReplyPriority = 3
	minReplyLength   = 2
)

// ShouldReply reports whether an autonomous reply may be sent. Replies stand in for
// the owner only while they are unavailable, so working hours suppress them.
func ShouldReply(analysis reasoning.AnalysisResult, autoReplyEnabled, inWorkingHours, isSelf bool) bool {
	if !autoReplyEnabled || isSelf || inWorkingHours {
		return false
	}

	if analysis.ReplyText == nil || utf8.RuneCountInString(*analysis.ReplyText) <= minReplyLength {
		return false
	}

	if analysis.Priority > maxReplyPriority {
		return false
	}

	return !isAcknowledgement(*analysis.ReplyText)
}

func isAcknowledgement(reply string) bool {
	lower := strings.ToLower(reply)
	return strings.TrimSpace(lower) == "okay" || strings.Contains(lower, "task added")
}

// WorkingHours is the owner's daily availability window, [Start, End) in hours.
type WorkingHours struct {
	Start    int
	End      int
	Location *time.Location
}

func (w WorkingHours) Contains(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}

	hour := t.Hour()
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}

	// overnight window, e.g. 22..6
	return hour >= w.Start || hour < w.End
}
