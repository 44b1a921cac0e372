package supervisor

import (
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of one agent process.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateWaitingInput State = "waiting_input"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// EventType names the live events a process emits to its subscribers.
type EventType string

const (
	EventMessage          EventType = "message"
	EventStatus           EventType = "status"
	EventModeChange       EventType = "mode-change"
	EventError            EventType = "error"
	EventClaudeLogin      EventType = "claude-login"
	EventSessionIDChanged EventType = "session-id-changed"
	EventComplete         EventType = "complete"

	// EventStreamDelta carries one streamed text fragment plus the text
	// accumulated so far. Consumers render it; it never reaches the wire
	// in this raw form.
	EventStreamDelta EventType = "stream-delta"
)

// Event is one live process event.
type Event struct {
	Type EventType
	Data map[string]any
}

// Listener receives process events on the emitting goroutine.
type Listener func(Event)

// Process is the read surface consumed by the gateway's session channel.
type Process interface {
	ID() string
	SessionID() string
	State() State
	PermissionMode() string
	ModeVersion() int
	Provider() string
	Model() string
	PendingRequest() map[string]any
	MessageHistory() []map[string]any
	StreamingContent() string
	Subscribe(fn Listener) func()
	AccumulateStreamingText(sessionID, delta string)
	ClearStreamingText()
}

// ============================================================================
// AGENT PROCESS
// ============================================================================

// AgentProcess is one supervised agent run. The gateway reads it through
// the Process interface; the origin's HTTP handlers drive it through the
// mutating methods below.
type AgentProcess struct {
	mu sync.RWMutex

	id        string
	sessionID string
	projectID string

	state          State
	permissionMode string
	modeVersion    int
	provider       string
	model          string
	pending        map[string]any

	history   []map[string]any
	streaming strings.Builder

	createdAt time.Time
	endedAt   time.Time

	nextListener int
	listeners    map[int]Listener

	// Installed by the supervisor so session-id changes keep the index
	// consistent without the process owning the supervisor.
	reindex func(oldID, newID string)
}

func (p *AgentProcess) ID() string { return p.id }

func (p *AgentProcess) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

func (p *AgentProcess) ProjectID() string { return p.projectID }

func (p *AgentProcess) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *AgentProcess) PermissionMode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permissionMode
}

func (p *AgentProcess) ModeVersion() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modeVersion
}

func (p *AgentProcess) Provider() string { return p.provider }
func (p *AgentProcess) Model() string    { return p.model }

// PendingRequest returns the outstanding permission request, or nil when
// the process is not waiting for input.
func (p *AgentProcess) PendingRequest() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending
}

// MessageHistory returns a snapshot of the buffered conversation, oldest
// first. The returned slice is the caller's to keep.
func (p *AgentProcess) MessageHistory() []map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]map[string]any, len(p.history))
	copy(out, p.history)
	return out
}

// StreamingContent returns the partial assistant text accumulated since
// the last completed message.
func (p *AgentProcess) StreamingContent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streaming.String()
}

// Subscribe registers a live-event listener and returns its idempotent
// remover. History is not replayed; callers snapshot it first.
func (p *AgentProcess) Subscribe(fn Listener) func() {
	p.mu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// AccumulateStreamingText appends a streamed delta and notifies
// subscribers with the running total. Deltas for a stale session id are
// ignored.
func (p *AgentProcess) AccumulateStreamingText(sessionID, delta string) {
	p.mu.Lock()
	if sessionID != p.sessionID {
		p.mu.Unlock()
		return
	}
	p.streaming.WriteString(delta)
	content := p.streaming.String()
	p.mu.Unlock()

	p.emit(EventStreamDelta, map[string]any{"delta": delta, "content": content})
}

// ClearStreamingText drops the accumulated partial text.
func (p *AgentProcess) ClearStreamingText() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming.Reset()
}

// ============================================================================
// MUTATIONS (driven by the origin's local handlers)
// ============================================================================

// AppendMessage records a completed conversation message and emits it to
// live subscribers. The streaming accumulator is reset: a full message
// supersedes its partial deltas.
func (p *AgentProcess) AppendMessage(msg map[string]any) {
	p.mu.Lock()
	p.history = append(p.history, msg)
	p.streaming.Reset()
	p.mu.Unlock()
	p.emit(EventMessage, msg)
}

// SetState transitions the lifecycle state and emits a status event. A
// terminal process stays terminal.
func (p *AgentProcess) SetState(next State) {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	p.state = next
	if next != StateWaitingInput {
		p.pending = nil
	}
	if next.Terminal() {
		p.endedAt = time.Now()
	}
	p.mu.Unlock()
	p.emit(EventStatus, map[string]any{"state": string(next)})
}

// SetPendingRequest parks the process on a permission request.
func (p *AgentProcess) SetPendingRequest(req map[string]any) {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	p.state = StateWaitingInput
	p.pending = req
	p.mu.Unlock()
	p.emit(EventStatus, map[string]any{"state": string(StateWaitingInput), "request": req})
}

// SetPermissionMode changes the permission mode, bumping the mode version
// so clients can discard out-of-order changes.
func (p *AgentProcess) SetPermissionMode(mode string) {
	p.mu.Lock()
	p.permissionMode = mode
	p.modeVersion++
	version := p.modeVersion
	p.mu.Unlock()
	p.emit(EventModeChange, map[string]any{"permissionMode": mode, "modeVersion": version})
}

// ReportError surfaces a non-fatal error to subscribers.
func (p *AgentProcess) ReportError(message string) {
	p.emit(EventError, map[string]any{"error": message})
}

// RequireLogin tells subscribers the underlying provider needs a fresh
// login before the process can continue.
func (p *AgentProcess) RequireLogin(loginURL string) {
	p.emit(EventClaudeLogin, map[string]any{"url": loginURL})
}

// ChangeSessionID rebinds the process to a new session id, keeping the
// supervisor index in step, and notifies subscribers.
func (p *AgentProcess) ChangeSessionID(newID string) {
	p.mu.Lock()
	oldID := p.sessionID
	if newID == "" || newID == oldID {
		p.mu.Unlock()
		return
	}
	p.sessionID = newID
	reindex := p.reindex
	p.mu.Unlock()

	if reindex != nil {
		reindex(oldID, newID)
	}
	p.emit(EventSessionIDChanged, map[string]any{
		"sessionId":         newID,
		"previousSessionId": oldID,
	})
}

// Complete finishes the process. A nil err completes it normally.
func (p *AgentProcess) Complete(err error) {
	data := map[string]any{}
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.state = StateFailed
		data["error"] = err.Error()
	} else {
		p.state = StateCompleted
	}
	p.endedAt = time.Now()
	p.pending = nil
	p.mu.Unlock()
	p.emit(EventComplete, data)
}

func (p *AgentProcess) emit(t EventType, data map[string]any) {
	p.mu.RLock()
	snapshot := make([]Listener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		snapshot = append(snapshot, fn)
	}
	p.mu.RUnlock()

	ev := Event{Type: t, Data: data}
	for _, fn := range snapshot {
		fn(ev)
	}
}
