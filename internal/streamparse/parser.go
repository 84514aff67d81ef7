// Package streamparse extracts message, tool-call, and param segments
// from a model response stream as tokens arrive. The grammar is
// regex-delimited, not XML:
//
//	<AGENT_DECISION>
//	<MESSAGE>...</MESSAGE>
//	<TOOL_CALL>
//	  <TOOL>name</TOOL>
//	  <REASON>...</REASON>
//	  <PARAM name="k">literal value</PARAM>
//	</TOOL_CALL>
//	<STATUS>AWAIT_TOOL | COMPLETE</STATUS>
//	</AGENT_DECISION>
//
// Param values are taken literally; &, <, and > are never entity
// decoded. The parser survives arbitrary chunk boundaries and never
// leaks a partial closing tag as content: a chunk tail that could be
// the start of a closing tag is held back until the next chunk
// disambiguates.
package streamparse

import (
	"strings"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	tagMessageOpen   = "<MESSAGE>"
	tagMessageClose  = "</MESSAGE>"
	tagToolCallOpen  = "<TOOL_CALL>"
	tagToolCallClose = "</TOOL_CALL>"
	tagToolOpen      = "<TOOL>"
	tagToolClose     = "</TOOL>"
	tagReasonOpen    = "<REASON>"
	tagReasonClose   = "</REASON>"
	tagParamPrefix   = `<PARAM name="`
	tagParamClose    = "</PARAM>"
	tagStatusOpen    = "<STATUS>"
	tagStatusClose   = "</STATUS>"
)

// EmitFunc receives every event the parser raises, in order.
type EmitFunc func(ev models.Event)

// AutoExecRule describes when a tool may be executed mid-stream.
type AutoExecRule struct {
	// StreamingParam names the param whose growing text re-triggers
	// execution before the call closes. Empty means the tool only
	// executes once its call is complete.
	StreamingParam string

	// RequiredParams must be fully closed before the first trigger, so
	// the tool never acts on torn input.
	RequiredParams []string
}

// AutoCall is one auto-execution trigger handed to the bridge.
type AutoCall struct {
	// Index is the tool call's position within the stream.
	Index int

	// Tool is the tool name.
	Tool string

	// Params holds every param with text so far; params still
	// streaming carry their partial value.
	Params map[string]string

	// Complete is true once the call's closing tag has been seen.
	Complete bool

	// Signature is the monotonic marker that suppressed duplicates:
	// the streaming param's length, or 1 for non-streaming tools.
	Signature uint64
}

// AutoExecFunc runs a whitelisted tool mid-stream. It is called from
// the feeding goroutine; implementations hand off to their own worker
// if execution is slow.
type AutoExecFunc func(call AutoCall)

// Config configures a Parser.
type Config struct {
	// ChatID stamps every emitted event.
	ChatID string

	// Iteration is the agent loop ordinal for this response stream.
	Iteration int

	// Emit receives parser events. Nil drops them.
	Emit EmitFunc

	// AutoExec, with Rules, enables the mid-stream execution bridge.
	AutoExec AutoExecFunc

	// Rules maps tool names on the auto-execution allowlist to their
	// trigger rules.
	Rules map[string]AutoExecRule

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Parser incrementally parses one model response stream.
type Parser struct {
	cfg Config

	buf strings.Builder

	// Thought segment, fed through HandleThoughts.
	thoughtStarted  bool
	thoughtComplete bool
	thoughts        strings.Builder

	// Message segment.
	msgStarted  bool
	msgComplete bool
	msgStart    int
	msgEmitted  int
	message     string

	// Tool calls, in stream order.
	calls    []*toolCall
	toolScan int

	status string
}

type toolCall struct {
	index    int
	start    int // body offset, just past <TOOL_CALL>
	end      int // body end once </TOOL_CALL> is seen, else -1
	complete bool

	tool          string
	reason        string
	toolEmitted   bool
	reasonEmitted bool

	params    []*paramState
	paramScan int // scan offset relative to start

	lastAutoSig uint64
}

type paramState struct {
	name     string
	valStart int // buffer offset just past the opening tag
	complete bool
	value    string // final trimmed value once complete
	partial  string // streamed text so far, holdback excluded
	emitted  int    // partial bytes already emitted as param_update
}

// New creates a parser for one response stream.
func New(cfg Config) *Parser {
	return &Parser{cfg: cfg}
}

// HandleThoughts feeds reasoning-channel text. Thought segments close
// automatically when answer text begins.
func (p *Parser) HandleThoughts(chunk string) {
	if chunk == "" || p.thoughtComplete {
		return
	}
	if !p.thoughtStarted {
		p.thoughtStarted = true
		p.emitResponse(models.EventThoughtStart, nil)
	}
	p.thoughts.WriteString(chunk)
	p.emitResponse(models.EventThoughtAppend, &models.ResponseEventPayload{Delta: chunk})
}

// FeedAnswer appends a chunk of answer text and processes everything
// the buffer now holds.
func (p *Parser) FeedAnswer(chunk string) {
	if chunk == "" {
		return
	}
	p.closeThoughts()
	p.buf.WriteString(chunk)
	p.process()
}

// Finalize closes every still-open segment once the underlying stream
// has ended. Open params flush with the text they have; open calls and
// messages emit their complete events.
func (p *Parser) Finalize() {
	p.closeThoughts()
	p.process()

	if p.msgStarted && !p.msgComplete {
		buf := p.buf.String()
		p.message = buf[p.msgStart:]
		if len(p.message) > p.msgEmitted {
			p.emitResponse(models.EventResponseAppend, &models.ResponseEventPayload{Delta: p.message[p.msgEmitted:]})
		}
		p.msgComplete = true
		p.emitResponse(models.EventResponseComplete, &models.ResponseEventPayload{Final: p.message})
	}

	for _, tc := range p.calls {
		if tc.complete {
			continue
		}
		buf := p.buf.String()
		for _, ps := range tc.params {
			if ps.complete {
				continue
			}
			ps.value = strings.TrimSpace(buf[ps.valStart:])
			ps.complete = true
			p.emitTool(models.EventToolCallParam, tc, &models.ToolEventPayload{
				Param: ps.name,
				Value: ps.value,
			})
		}
		tc.complete = true
		p.finishCall(tc)
	}
}

// Message returns the message body seen so far.
func (p *Parser) Message() string {
	if p.msgComplete {
		return p.message
	}
	if !p.msgStarted {
		return ""
	}
	return p.buf.String()[p.msgStart:]
}

// Thoughts returns the accumulated reasoning text.
func (p *Parser) Thoughts() string {
	return p.thoughts.String()
}

// Status returns the parsed <STATUS> value, if any.
func (p *Parser) Status() string {
	return p.status
}

// Call is a snapshot of one parsed tool call.
type Call struct {
	Index    int
	Tool     string
	Reason   string
	Params   map[string]string
	Complete bool
}

// Calls returns snapshots of every tool call seen so far.
func (p *Parser) Calls() []Call {
	out := make([]Call, 0, len(p.calls))
	for _, tc := range p.calls {
		out = append(out, Call{
			Index:    tc.index,
			Tool:     tc.tool,
			Reason:   tc.reason,
			Params:   tc.completedParams(),
			Complete: tc.complete,
		})
	}
	return out
}

func (p *Parser) closeThoughts() {
	if p.thoughtStarted && !p.thoughtComplete {
		p.thoughtComplete = true
		p.emitResponse(models.EventThoughtComplete, &models.ResponseEventPayload{Final: p.thoughts.String()})
	}
}

// process re-examines the buffer: the message window first, then every
// open tool call, then the status tag.
func (p *Parser) process() {
	p.processMessage()
	p.processToolCalls()
	p.processStatus()
}

func (p *Parser) processMessage() {
	buf := p.buf.String()

	if !p.msgStarted {
		idx := strings.Index(buf, tagMessageOpen)
		if idx < 0 {
			return
		}
		p.msgStarted = true
		p.msgStart = idx + len(tagMessageOpen)
		p.emitResponse(models.EventResponseStart, nil)
	}
	if p.msgComplete {
		return
	}

	if closeIdx := strings.Index(buf[p.msgStart:], tagMessageClose); closeIdx >= 0 {
		p.message = buf[p.msgStart : p.msgStart+closeIdx]
		if len(p.message) > p.msgEmitted {
			p.emitResponse(models.EventResponseAppend, &models.ResponseEventPayload{Delta: p.message[p.msgEmitted:]})
			p.msgEmitted = len(p.message)
		}
		p.msgComplete = true
		p.emitResponse(models.EventResponseComplete, &models.ResponseEventPayload{Final: p.message})
		return
	}

	// No closing tag yet. Emit everything except a tail that could be
	// the start of </MESSAGE>.
	avail := buf[p.msgStart:]
	emitTo := len(avail) - partialTagHoldback(avail, tagMessageClose)
	if emitTo > p.msgEmitted {
		p.emitResponse(models.EventResponseAppend, &models.ResponseEventPayload{Delta: avail[p.msgEmitted:emitTo]})
		p.msgEmitted = emitTo
	}
}

func (p *Parser) processToolCalls() {
	buf := p.buf.String()

	// One chunk may complete a call and open the next, so loop until
	// neither discovery nor advancement makes progress. A new call is
	// allocated only when none is open: the grammar is sequential and
	// a tag-like string inside a param value must not fork a state.
	for {
		progressed := false

		if p.noOpenCall() {
			if idx := strings.Index(buf[p.toolScan:], tagToolCallOpen); idx >= 0 {
				tc := &toolCall{
					index: len(p.calls),
					start: p.toolScan + idx + len(tagToolCallOpen),
					end:   -1,
				}
				p.calls = append(p.calls, tc)
				p.toolScan = tc.start
				p.emitTool(models.EventToolCallStart, tc, &models.ToolEventPayload{})
				progressed = true
			}
		}

		if n := len(p.calls); n > 0 && !p.calls[n-1].complete {
			tc := p.calls[n-1]
			p.advanceCall(tc, buf)
			if tc.complete {
				progressed = true
			}
		}

		if !progressed {
			return
		}
	}
}

func (p *Parser) noOpenCall() bool {
	return len(p.calls) == 0 || p.calls[len(p.calls)-1].complete
}

// advanceCall extracts whatever the buffer newly holds for one call.
func (p *Parser) advanceCall(tc *toolCall, buf string) {
	if tc.end < 0 {
		if rel := strings.Index(buf[tc.start:], tagToolCallClose); rel >= 0 {
			tc.end = tc.start + rel
		}
	}
	body := buf[tc.start:p.bodyEnd(tc, buf)]

	if !tc.toolEmitted {
		if v, ok := delimited(body, tagToolOpen, tagToolClose); ok {
			tc.tool = strings.TrimSpace(v)
			tc.toolEmitted = true
			p.emitTool(models.EventToolCallField, tc, &models.ToolEventPayload{Param: "tool", Value: tc.tool})
		}
	}
	if !tc.reasonEmitted {
		if v, ok := delimited(body, tagReasonOpen, tagReasonClose); ok {
			tc.reason = strings.TrimSpace(v)
			tc.reasonEmitted = true
			p.emitTool(models.EventToolCallField, tc, &models.ToolEventPayload{Param: "reason", Value: tc.reason})
		}
	}

	p.advanceParams(tc, body)

	if tc.end >= 0 {
		tc.complete = true
		p.finishCall(tc)
		p.toolScan = tc.end + len(tagToolCallClose)
		return
	}

	p.maybeAutoExec(tc)
}

// advanceParams discovers new params and advances the open one.
func (p *Parser) advanceParams(tc *toolCall, body string) {
	// Discover the next param only when the previous one has closed;
	// param values are literal and may contain tag-like text.
	for {
		var open *paramState
		if n := len(tc.params); n > 0 && !tc.params[n-1].complete {
			open = tc.params[n-1]
		}

		if open == nil {
			rel := strings.Index(body[tc.paramScan:], tagParamPrefix)
			if rel < 0 {
				return
			}
			nameStart := tc.paramScan + rel + len(tagParamPrefix)
			quote := strings.Index(body[nameStart:], `"`)
			if quote < 0 {
				return // opening tag still arriving
			}
			nameEnd := nameStart + quote
			if !strings.HasPrefix(body[nameEnd:], `">`) {
				return
			}
			ps := &paramState{
				name:     body[nameStart:nameEnd],
				valStart: tc.start + nameEnd + 2,
			}
			tc.params = append(tc.params, ps)
			tc.paramScan = nameEnd + 2
			continue
		}

		relStart := open.valStart - tc.start
		if rel := strings.Index(body[relStart:], tagParamClose); rel >= 0 {
			open.value = strings.TrimSpace(body[relStart : relStart+rel])
			open.complete = true
			tc.paramScan = relStart + rel + len(tagParamClose)
			p.emitTool(models.EventToolCallParam, tc, &models.ToolEventPayload{
				Param: open.name,
				Value: open.value,
			})
			continue
		}

		// Still streaming; emit growth, holding back a possible
		// partial closing tag.
		avail := body[relStart:]
		emitTo := len(avail) - partialTagHoldback(avail, tagParamClose)
		if emitTo > open.emitted {
			open.partial = avail[:emitTo]
			p.emitTool(models.EventToolCallParamUpdate, tc, &models.ToolEventPayload{
				Param:     open.name,
				Value:     open.partial,
				Signature: uint64(emitTo),
			})
			open.emitted = emitTo
		}
		return
	}
}

func (p *Parser) finishCall(tc *toolCall) {
	p.maybeAutoExec(tc)
	p.emitTool(models.EventToolCallComplete, tc, &models.ToolEventPayload{
		Name:   tc.tool,
		Params: tc.completedParams(),
	})
}

func (p *Parser) processStatus() {
	if p.status != "" {
		return
	}
	if v, ok := delimited(p.buf.String(), tagStatusOpen, tagStatusClose); ok {
		p.status = strings.TrimSpace(v)
	}
}

func (p *Parser) bodyEnd(tc *toolCall, buf string) int {
	if tc.end >= 0 {
		return tc.end
	}
	return len(buf)
}

func (tc *toolCall) completedParams() map[string]string {
	params := make(map[string]string, len(tc.params))
	for _, ps := range tc.params {
		if ps.complete {
			params[ps.name] = ps.value
		}
	}
	return params
}

func (p *Parser) emitResponse(t models.EventType, payload *models.ResponseEventPayload) {
	if payload == nil {
		payload = &models.ResponseEventPayload{}
	}
	p.count(t)
	if p.cfg.Emit == nil {
		return
	}
	p.cfg.Emit(models.Event{
		Type:      t,
		ChatID:    p.cfg.ChatID,
		Iteration: p.cfg.Iteration,
		Response:  payload,
	})
}

func (p *Parser) emitTool(t models.EventType, tc *toolCall, payload *models.ToolEventPayload) {
	payload.Index = tc.index
	if payload.Name == "" {
		payload.Name = tc.tool
	}
	p.count(t)
	if p.cfg.Emit == nil {
		return
	}
	p.cfg.Emit(models.Event{
		Type:      t,
		ChatID:    p.cfg.ChatID,
		Iteration: p.cfg.Iteration,
		Tool:      payload,
	})
}

func (p *Parser) count(t models.EventType) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ParserEvents.WithLabelValues(string(t)).Inc()
	}
}

// delimited returns the text between the first open/close tag pair,
// reporting whether the closing tag was present.
func delimited(s, openTag, closeTag string) (string, bool) {
	i := strings.Index(s, openTag)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(openTag):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

// partialTagHoldback returns the length of the longest proper prefix
// of tag that is a suffix of s. That many trailing bytes must be
// withheld: they may be the start of the closing tag.
func partialTagHoldback(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
