// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcript separates the visible answer from the inline
// REASON/ACT/OBSERVATION trace that agents interleave with it.
package transcript

import (
	"strings"
	"unicode"
)

// =============================================================================
// MARKERS
// =============================================================================

const (
	MarkerReason      = "REASON:"
	MarkerAct         = "ACT:"
	MarkerObservation = "OBSERVATION:"

	// segmentSeparator joins repeated REASON or OBSERVATION segments.
	segmentSeparator = "\n\n"
)

// Each marker runs until the first occurrence of one of its terminators, or
// the end of the text. A marker does not terminate itself.
var terminators = map[string][]string{
	MarkerReason:      {MarkerAct, MarkerObservation},
	MarkerAct:         {MarkerObservation, MarkerReason},
	MarkerObservation: {MarkerReason, MarkerAct},
}

// An ACT that starts with one of these, or contains one of the dispatch
// substrings, is a literal tool call and never a human-facing answer.
var (
	toolCallPrefixes   = []string{"print(", "search_tool"}
	toolDispatchTokens = []string{"tool.run"}
)

// =============================================================================
// TYPES
// =============================================================================

// ThinkingBlock is the structured trace recovered from raw agent output.
// Empty fields mean the corresponding marker was not seen.
type ThinkingBlock struct {
	Reason      string `json:"reason,omitempty"`
	Act         string `json:"act,omitempty"`
	Observation string `json:"observation,omitempty"`
}

// IsEmpty reports whether the block carries no text at all.
func (b *ThinkingBlock) IsEmpty() bool {
	return b == nil || (b.Reason == "" && b.Act == "" && b.Observation == "")
}

// Result is the outcome of one extraction.
type Result struct {
	// FinalContent is the text shown to the user.
	FinalContent string
	// Thinking is nil when no marker was found or the tool-call guard fired.
	Thinking *ThinkingBlock
}

// =============================================================================
// EXTRACTION
// =============================================================================

// Extract derives the displayable answer and the thinking block from the
// full raw text of a response. It keeps no state between calls.
func Extract(raw string) Result {
	reasons := segments(raw, MarkerReason)
	acts := segments(raw, MarkerAct)
	observations := segments(raw, MarkerObservation)

	if len(reasons) == 0 && len(acts) == 0 && len(observations) == 0 {
		return Result{FinalContent: raw}
	}

	thinking := &ThinkingBlock{}
	if len(reasons) > 0 {
		thinking.Reason = strings.Join(reasons, segmentSeparator)
	}
	if len(observations) > 0 {
		thinking.Observation = strings.Join(observations, segmentSeparator)
	}
	if len(acts) > 0 {
		last := acts[len(acts)-1]
		if IsToolCall(last) {
			return Result{FinalContent: raw}
		}
		thinking.Act = last
	}

	final := thinking.Act
	if final == "" {
		final = raw
	}
	return Result{FinalContent: final, Thinking: thinking}
}

// IsToolCall reports whether act looks like a programmatic call rather than
// an answer.
func IsToolCall(act string) bool {
	for _, p := range toolCallPrefixes {
		if strings.HasPrefix(act, p) {
			return true
		}
	}
	for _, tok := range toolDispatchTokens {
		if strings.Contains(act, tok) {
			return true
		}
	}
	return false
}

// segments returns the trimmed bodies of every non-overlapping marker match,
// in encounter order.
func segments(raw, marker string) []string {
	var out []string
	stop := terminators[marker]
	pos := 0
	for pos < len(raw) {
		i := strings.Index(raw[pos:], marker)
		if i < 0 {
			break
		}
		start := pos + i + len(marker)
		start += len(raw[start:]) - len(strings.TrimLeftFunc(raw[start:], unicode.IsSpace))

		end := len(raw)
		for _, t := range stop {
			if j := strings.Index(raw[start:], t); j >= 0 && start+j < end {
				end = start + j
			}
		}
		out = append(out, strings.TrimSpace(raw[start:end]))
		pos = end
	}
	return out
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

// Accumulator holds the raw text of one in-flight response and re-derives
// the extraction after every delta.
type Accumulator struct {
	raw  strings.Builder
	last Result
}

// Write appends delta and returns the extraction over everything seen so far.
func (a *Accumulator) Write(delta string) Result {
	a.raw.WriteString(delta)
	a.last = Extract(a.raw.String())
	return a.last
}

// Raw returns the untouched accumulated text.
func (a *Accumulator) Raw() string {
	return a.raw.String()
}

// Result returns the extraction from the most recent Write.
func (a *Accumulator) Result() Result {
	return a.last
}
