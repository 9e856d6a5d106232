// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agentapi

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// =============================================================================
// AGENT STATES
// =============================================================================

// AgentState is the lifecycle phase reported by a status frame.
type AgentState string

const (
	AgentThinking  AgentState = "thinking"
	AgentExecuting AgentState = "executing"
	AgentDone      AgentState = "done"
)

// Valid reports whether s is one of the known states.
func (s AgentState) Valid() bool {
	switch s {
	case AgentThinking, AgentExecuting, AgentDone:
		return true
	}
	return false
}

// =============================================================================
// EVENTS
// =============================================================================

// Event is the decoded form of one frame. Exactly one of the concrete types
// below implements it.
type Event interface {
	eventKind() string
}

// StatusEvent reports an agent entering a new phase.
type StatusEvent struct {
	Agent     string
	State     AgentState
	Timestamp *float64
}

// DeltaEvent carries one fragment of the answer. Done is set when the
// server marks the fragment as the last one.
type DeltaEvent struct {
	Delta        string
	Agent        string
	InvocationID string
	Timestamp    *float64
	Done         bool
}

// DoneEvent ends the stream. Error holds the server's failure message when
// the stream was terminated by an upstream error.
type DoneEvent struct {
	Error string
}

// MalformedEvent is a frame whose payload is not a JSON object.
type MalformedEvent struct {
	Err error
}

// UnrecognizedEvent is valid JSON with none of the known shapes.
type UnrecognizedEvent struct{}

func (StatusEvent) eventKind() string       { return "status" }
func (DeltaEvent) eventKind() string        { return "delta" }
func (DoneEvent) eventKind() string         { return "done" }
func (MalformedEvent) eventKind() string    { return "malformed" }
func (UnrecognizedEvent) eventKind() string { return "unrecognized" }

// Kind returns a short name for ev, used in logs.
func Kind(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventKind()
}

// framePayload is the union of every field any frame shape may carry.
// Fields are left untyped so a field of an unexpected JSON type is ignored
// rather than failing the whole frame.
type framePayload struct {
	Type         any `json:"type"`
	Agent        any `json:"agent"`
	State        any `json:"state"`
	Delta        any `json:"delta"`
	InvocationID any `json:"invocationId"`
	Timestamp    any `json:"timestamp"`
	Done         any `json:"done"`
	Error        any `json:"error"`
}

// Interpret classifies a frame payload. Checks run in a fixed priority:
// status (agent and state present), delta (non-empty), done (done flag or
// type "done"), and anything else is unrecognized. Only a payload that is
// not JSON is malformed.
func Interpret(data string) Event {
	var raw any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return MalformedEvent{Err: fmt.Errorf("decode frame: %w", err)}
	}
	if _, ok := raw.(map[string]any); !ok {
		return UnrecognizedEvent{}
	}
	var p framePayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return MalformedEvent{Err: fmt.Errorf("decode frame: %w", err)}
	}

	agent, state := text(p.Agent), text(p.State)
	if agent != "" && state != "" {
		st := AgentState(state)
		if !st.Valid() {
			return UnrecognizedEvent{}
		}
		return StatusEvent{Agent: agent, State: st, Timestamp: number(p.Timestamp)}
	}
	if delta := text(p.Delta); delta != "" {
		return DeltaEvent{
			Delta:        delta,
			Agent:        agent,
			InvocationID: text(p.InvocationID),
			Timestamp:    number(p.Timestamp),
			Done:         truthy(p.Done),
		}
	}
	if truthy(p.Done) || text(p.Type) == "done" {
		return DoneEvent{Error: text(p.Error)}
	}
	return UnrecognizedEvent{}
}

// text reads a string field. Numbers are written out; anything else is empty.
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// number reads a numeric field, accepting numeric strings. Anything that
// does not hold a finite number gives nil.
func number(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// truthy follows the service's loose flags: true, a non-zero number, a
// non-empty string or any object or array.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}
