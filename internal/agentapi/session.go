// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/chatrelay/internal/sse"
	"github.com/jeranaias/chatrelay/internal/transcript"
)

// =============================================================================
// SESSION STATE
// =============================================================================

// State is the lifecycle of one streamed request.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// =============================================================================
// CALLBACKS
// =============================================================================

// StatusUpdate is passed to Handlers.OnStatus.
type StatusUpdate struct {
	Agent     string
	State     AgentState
	Timestamp *float64
}

// AgentDelta is passed to Handlers.OnAgentDelta. Delta is the raw fragment,
// never the filtered answer.
type AgentDelta struct {
	Agent        string
	Delta        string
	InvocationID string
	Timestamp    float64
}

// Handlers receive a session's notifications. Any of them may be nil. They
// run on the goroutine that calls Run, strictly in frame order, one call per
// frame.
type Handlers struct {
	OnDelta      func(delta string)
	OnStatus     func(StatusUpdate)
	OnAgentDelta func(AgentDelta)
}

// Pacer is waited on after every frame so a fast stream leaves room for the
// consumers to render. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

type yieldPacer struct{}

func (yieldPacer) Wait(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one request/response cycle against the run endpoint. It is not
// restartable.
type Session struct {
	ctx      context.Context
	client   *Client
	handlers Handlers
	log      zerolog.Logger

	resp      *http.Response
	streaming bool

	state atomic.Int32
	used  atomic.Bool

	acc transcript.Accumulator
	now func() time.Time
}

// Open posts req and returns once the response headers are in. A network
// failure or non-2xx status is returned as *TransportError and the session
// never starts. The stream is bound to ctx: cancelling it aborts the read.
func (c *Client) Open(ctx context.Context, req Request, h Handlers) (*Session, error) {
	s := &Session{
		ctx:      ctx,
		client:   c,
		handlers: h,
		log:      c.log.With().Str("session_id", req.SessionID).Logger(),
		now:      time.Now,
	}
	s.setState(StateOpening)

	if c.baseURL == "" {
		s.setState(StateFailed)
		return nil, ErrNoBaseURL
	}

	body, err := json.Marshal(c.buildRunRequest(req))
	if err != nil {
		s.setState(StateFailed)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + c.runEndpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.setState(StateFailed)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	s.log.Debug().Str("url", url).Msg("opening stream")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		s.setState(StateFailed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		s.setState(StateFailed)
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	s.resp = resp
	s.streaming = strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	s.log.Debug().Str("content_type", resp.Header.Get("Content-Type")).Bool("streaming", s.streaming).Msg("stream opened")
	return s, nil
}

// Stream opens a session and runs it to completion.
func (c *Client) Stream(ctx context.Context, req Request, h Handlers) (string, error) {
	s, err := c.Open(ctx, req, h)
	if err != nil {
		return "", err
	}
	return s.Run()
}

// State returns the current lifecycle state. Safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Streaming reports whether the service answered with an event stream rather
// than a single JSON document.
func (s *Session) Streaming() bool {
	return s.streaming
}

// Extraction returns the transcript extraction over the raw text received so
// far. Only meaningful from the goroutine running the session or after Run
// returns.
func (s *Session) Extraction() transcript.Result {
	return s.acc.Result()
}

// Run consumes the response and invokes the handlers. It returns the trimmed
// raw text once a done frame arrives or the stream ends. After cancellation
// no handler is invoked, even for frames already decoded.
func (s *Session) Run() (string, error) {
	if !s.used.CompareAndSwap(false, true) {
		return "", ErrSessionUsed
	}
	defer s.resp.Body.Close()

	if !s.streaming {
		return s.runSingle()
	}
	s.setState(StateStreaming)

	reader := sse.NewReader(s.resp.Body)
	for {
		if err := s.ctx.Err(); err != nil {
			return s.fail(cancelled(err))
		}

		data, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return s.complete("end of stream")
		}
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return s.fail(cancelled(ctxErr))
			}
			return s.fail(&StreamError{Partial: s.acc.Raw(), Err: err})
		}

		// A frame decoded before the cancel signal is still dropped.
		if err := s.ctx.Err(); err != nil {
			return s.fail(cancelled(err))
		}

		if done := s.dispatch(Interpret(data)); done {
			return s.complete("done frame")
		}

		if err := s.client.pacer.Wait(s.ctx); err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return s.fail(cancelled(ctxErr))
			}
			return s.fail(err)
		}
	}
}

// dispatch routes one event to the handlers and reports whether it ends the
// stream.
func (s *Session) dispatch(ev Event) bool {
	switch e := ev.(type) {
	case StatusEvent:
		if s.handlers.OnStatus != nil {
			s.handlers.OnStatus(StatusUpdate{Agent: e.Agent, State: e.State, Timestamp: e.Timestamp})
		}
		return false

	case DeltaEvent:
		s.acc.Write(e.Delta)
		if s.handlers.OnDelta != nil {
			s.handlers.OnDelta(e.Delta)
		}
		if e.Agent != "" && e.InvocationID != "" && s.handlers.OnAgentDelta != nil {
			ts := s.wallClock()
			if e.Timestamp != nil {
				ts = *e.Timestamp
			}
			s.handlers.OnAgentDelta(AgentDelta{
				Agent:        e.Agent,
				Delta:        e.Delta,
				InvocationID: e.InvocationID,
				Timestamp:    ts,
			})
		}
		s.log.Trace().Int("len", len(e.Delta)).Str("agent", e.Agent).Msg("delta")
		return e.Done

	case DoneEvent:
		if e.Error != "" {
			s.log.Warn().Str("error", e.Error).Msg("stream ended by service error")
		}
		return true

	case MalformedEvent:
		s.log.Debug().Err(e.Err).Msg("dropping malformed frame")
		return false

	default:
		return false
	}
}

// runSingle handles a plain JSON answer as one complete delta.
func (s *Session) runSingle() (string, error) {
	s.setState(StateStreaming)

	body, err := io.ReadAll(io.LimitReader(s.resp.Body, MaxResponseSize))
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return s.fail(cancelled(ctxErr))
		}
		return s.fail(&StreamError{Err: err})
	}
	if err := s.ctx.Err(); err != nil {
		return s.fail(cancelled(err))
	}

	var out runResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return s.fail(fmt.Errorf("failed to decode response: %w", err))
	}
	text := out.text()
	s.acc.Write(text)
	if text != "" && s.handlers.OnDelta != nil {
		s.handlers.OnDelta(text)
	}
	s.setState(StateCompleted)
	s.log.Debug().Int("len", len(text)).Msg("non-stream response")
	return text, nil
}

func (s *Session) complete(reason string) (string, error) {
	s.setState(StateCompleted)
	final := strings.TrimSpace(s.acc.Raw())
	s.log.Debug().Str("reason", reason).Int("len", len(final)).Msg("stream completed")
	return final, nil
}

func (s *Session) fail(err error) (string, error) {
	s.setState(StateFailed)
	if errors.Is(err, ErrCancelled) {
		s.log.Debug().Msg("stream cancelled")
	} else {
		s.log.Warn().Err(err).Msg("stream failed")
	}
	return "", err
}

func (s *Session) wallClock() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}
