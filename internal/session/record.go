package session

import (
	"context"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/delivery"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

// Phase tracks the session lifecycle. Closed is terminal.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseConnecting Phase = "backend_connecting"
	PhaseConnected  Phase = "backend_connected"
	PhaseIdle       Phase = "idle"
	PhaseActive     Phase = "active"
	PhaseDegraded   Phase = "degraded"
	PhaseClosed     Phase = "closed"
)

// QueuedMessage is the single next-turn message one consumer has staged.
type QueuedMessage struct {
	Content     string                 `json:"content"`
	Images      []wire.ImageAttachment `json:"images,omitempty"`
	ConsumerID  string                 `json:"consumer_id"`
	DisplayName string                 `json:"display_name"`
	QueuedAt    int64                  `json:"queued_at"`
}

// PendingPermission records an unanswered permission request by its
// request id.
type PendingPermission struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input,omitempty"`
	Suggestions any            `json:"suggestions,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// PendingPassthrough is a slash command forwarded to the backend as a
// plain user message; the next result cycle completes it. Assistant text
// produced while it is in flight accumulates in Output instead of being
// fanned out.
type PendingPassthrough struct {
	RequestID string
	Command   string
	Output    string
	StartedAt int64
}

// PendingInitialize tracks the in-flight capability handshake.
type PendingInitialize struct {
	RequestID string
	Timer     *time.Timer
}

// Session is the runtime record for one session id: the backend handle,
// attached consumers, reduced state, the replay history, and the staging
// queues. All fields are guarded by mu; each method is atomic, so the
// bridge composes them without extra locking.
type Session struct {
	mu sync.Mutex

	id             string
	adapterName    string
	adapterOptions map[string]any

	backend       adapter.BackendSession
	backendCancel context.CancelFunc
	backendCaps   adapter.Capabilities

	phase   Phase
	state   *State
	teamBuf *TeamBuffer
	history *History
	seq     uint64

	consumers     map[string]*Consumer
	consumerOrder []string
	anonCounter   int

	pending      []*unified.Message
	queued       *QueuedMessage
	lastStatus   Status
	permissions  map[string]*PendingPermission
	passthroughs []PendingPassthrough
	pendingInit  *PendingInitialize
	registry     *CommandRegistry

	firstUserMessage string
	firstTurnDone    bool

	createdAt    time.Time
	lastActivity time.Time
}

// NewSession creates an empty record in the created phase.
func NewSession(id, adapterName string, adapterOptions map[string]any, historyLimit int) *Session {
	t := now()
	return &Session{
		id:             id,
		adapterName:    adapterName,
		adapterOptions: adapterOptions,
		phase:          PhaseCreated,
		state:          NewState(id),
		teamBuf:        NewTeamBuffer(),
		history:        NewHistory(historyLimit),
		consumers:      make(map[string]*Consumer),
		permissions:    make(map[string]*PendingPermission),
		registry:       NewCommandRegistry(),
		createdAt:      t,
		lastActivity:   t,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// AdapterName returns the name of the adapter serving this session.
func (s *Session) AdapterName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapterName
}

// AdapterOptions returns the options the adapter was connected with.
func (s *Session) AdapterOptions() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapterOptions
}

// SetAdapter records an adapter switch requested via set_adapter.
func (s *Session) SetAdapter(name string, options map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapterName = name
	s.adapterOptions = options
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase advances the lifecycle. Transitions out of closed are ignored.
func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = p
}

// Closed reports whether the session reached its terminal phase.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseClosed
}

// SetBackend installs the live backend handle and its cancellation.
func (s *Session) SetBackend(b adapter.BackendSession, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = b
	s.backendCancel = cancel
}

// Backend returns the current backend handle, nil when disconnected.
func (s *Session) Backend() adapter.BackendSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// ClearBackend detaches the backend handle and returns it with its
// cancellation so the caller can tear both down outside the lock.
func (s *Session) ClearBackend() (adapter.BackendSession, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, cancel := s.backend, s.backendCancel
	s.backend = nil
	s.backendCancel = nil
	return b, cancel
}

// SetBackendCapabilities records the protocol surface of the connected
// adapter, consulted when routing slash commands.
func (s *Session) SetBackendCapabilities(caps adapter.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendCaps = caps
}

// BackendCapabilities returns the connected adapter's protocol surface.
func (s *Session) BackendCapabilities() adapter.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendCaps
}

// State returns the newest reduced state.
func (s *Session) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apply reduces msg into the session state and stores the result.
// The returned changed flag is true when the state pointer advanced.
func (s *Session) Apply(msg *unified.Message) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Reduce(s.state, msg, s.teamBuf)
	changed := next != s.state
	s.state = next
	return next, changed
}

// ResetConversation clears the replay history and zeroes the per-turn
// accounting, keeping capabilities and environment intact. Backs /clear.
func (s *Session) ResetConversation() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset()
	next := s.state.Clone()
	next.NumTurns = 0
	next.TotalCostUSD = 0
	next.ContextUsedPercent = 0
	next.TotalLinesAdded = 0
	next.TotalLinesRemoved = 0
	next.LastModelUsage = nil
	next.LastDurationMs = 0
	next.LastDurationAPIMs = 0
	next.IsCompacting = false
	s.state = next
	return next
}

// Seed sets the create-time working directory and model before any
// consumer can observe the state.
func (s *Session) Seed(cwd, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.Clone()
	if cwd != "" {
		st.CWD = cwd
	}
	if model != "" {
		st.Model = model
	}
	s.state = st
}

// ApplyGit merges resolved git info into the state.
func (s *Session) ApplyGit(info GitInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.state.ApplyGitInfo(info)
}

// Registry returns the session's slash command registry.
func (s *Session) Registry() *CommandRegistry { return s.registry }

// AddConsumer attaches a consumer socket.
func (s *Session) AddConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consumers[c.ID]; !ok {
		s.consumerOrder = append(s.consumerOrder, c.ID)
	}
	s.consumers[c.ID] = c
	s.lastActivity = now()
}

// RemoveConsumer detaches a consumer. When the departing consumer
// authored the queued message the slot is cleared too, and the removed
// message is returned so the caller can announce the cancellation.
func (s *Session) RemoveConsumer(id string) (*Consumer, *QueuedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	if !ok {
		return nil, nil
	}
	delete(s.consumers, id)
	for i, cid := range s.consumerOrder {
		if cid == id {
			s.consumerOrder = append(s.consumerOrder[:i], s.consumerOrder[i+1:]...)
			break
		}
	}
	var cancelled *QueuedMessage
	if s.queued != nil && s.queued.ConsumerID == id {
		q := *s.queued
		cancelled = &q
		s.queued = nil
	}
	return c, cancelled
}

// Consumer looks up an attached consumer by id.
func (s *Session) Consumer(id string) (*Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	return c, ok
}

// Consumers returns attached consumers in join order.
func (s *Session) Consumers() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Consumer, 0, len(s.consumerOrder))
	for _, id := range s.consumerOrder {
		out = append(out, s.consumers[id])
	}
	return out
}

// ConsumerCount reports the number of attached consumers.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// NextAnonymous returns the next fallback identity ordinal.
func (s *Session) NextAnonymous() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonCounter++
	return s.anonCounter
}

// Sequence assigns the next sequence number to payload and records the
// result in the replay history.
func (s *Session) Sequence(messageID string, payload wire.ConsumerMessage) delivery.SequencedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := delivery.SequencedMessage{
		Seq:       s.seq,
		MessageID: messageID,
		Timestamp: now().UnixMilli(),
		Payload:   payload,
	}
	s.history.Append(msg)
	return msg
}

// SequenceTransient assigns a sequence number without retaining the
// message for replay. Used for messages addressed to one consumer, which
// must not leak into another consumer's reconnect replay.
func (s *Session) SequenceTransient(messageID string, payload wire.ConsumerMessage) delivery.SequencedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return delivery.SequencedMessage{
		Seq:       s.seq,
		MessageID: messageID,
		Timestamp: now().UnixMilli(),
		Payload:   payload,
	}
}

// ReplaySince returns retained messages with seq greater than lastSeen
// and whether part of the requested range was already evicted.
func (s *Session) ReplaySince(lastSeen uint64) ([]delivery.SequencedMessage, bool) {
	return s.history.Since(lastSeen)
}

// HoldPending stages a message for a backend that is not connected yet.
func (s *Session) HoldPending(msg *unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, msg)
}

// TakePending removes and returns all staged messages in arrival order.
func (s *Session) TakePending() []*unified.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

// PendingCount reports the number of staged messages.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Queued returns a copy of the queued message slot.
func (s *Session) Queued() (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return QueuedMessage{}, false
	}
	return *s.queued, true
}

// SetQueued fills the queue slot. Fails with errs.ErrAlreadyQueued when
// another message is staged.
func (s *Session) SetQueued(content string, images []wire.ImageAttachment, consumerID, displayName string) (QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued != nil {
		return QueuedMessage{}, errs.ErrAlreadyQueued
	}
	s.queued = &QueuedMessage{
		Content:     content,
		Images:      images,
		ConsumerID:  consumerID,
		DisplayName: displayName,
		QueuedAt:    now().UnixMilli(),
	}
	return *s.queued, nil
}

// UpdateQueued replaces the queued content. Only the author may update;
// an empty slot fails the author check the same way.
func (s *Session) UpdateQueued(consumerID, content string, images []wire.ImageAttachment) (QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil || s.queued.ConsumerID != consumerID {
		return QueuedMessage{}, errs.ErrNotQueueAuthor
	}
	s.queued.Content = content
	s.queued.Images = images
	return *s.queued, nil
}

// CancelQueued clears the slot. Only the author may cancel.
func (s *Session) CancelQueued(consumerID string) (QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil || s.queued.ConsumerID != consumerID {
		return QueuedMessage{}, errs.ErrNotQueueAuthor
	}
	q := *s.queued
	s.queued = nil
	return q, nil
}

// TakeQueued clears and returns the slot for auto-send. The slot is
// emptied before the message is sent so observers of the next state see
// it free.
func (s *Session) TakeQueued() (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return QueuedMessage{}, false
	}
	q := *s.queued
	s.queued = nil
	return q, true
}

// LastStatus returns the most recent backend status, empty until the
// first status_change.
func (s *Session) LastStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// SetLastStatus records the backend status and returns the previous one.
func (s *Session) SetLastStatus(status Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastStatus
	s.lastStatus = status
	return prev
}

// NoteUserMessage captures the first user message of the session, used
// as context when the first turn completes. Later messages are ignored.
func (s *Session) NoteUserMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstUserMessage == "" {
		s.firstUserMessage = content
	}
}

// FirstUserMessage returns the captured first user message, if any.
func (s *Session) FirstUserMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstUserMessage
}

// MarkFirstTurn reports true exactly once, when the session's first
// completed turn is recorded.
func (s *Session) MarkFirstTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstTurnDone {
		return false
	}
	s.firstTurnDone = true
	return true
}

// AddPendingPermission indexes an unanswered permission request.
func (s *Session) AddPendingPermission(p *PendingPermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[p.RequestID] = p
}

// TakePendingPermission resolves a pending permission request.
func (s *Session) TakePendingPermission(requestID string) (*PendingPermission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[requestID]
	if ok {
		delete(s.permissions, requestID)
	}
	return p, ok
}

// PendingPermissionCount reports the number of unanswered requests.
func (s *Session) PendingPermissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.permissions)
}

// PushPassthrough appends an in-flight slash passthrough.
func (s *Session) PushPassthrough(p PendingPassthrough) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthroughs = append(s.passthroughs, p)
}

// PopPassthrough removes the oldest in-flight passthrough.
func (s *Session) PopPassthrough() (PendingPassthrough, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.passthroughs) == 0 {
		return PendingPassthrough{}, false
	}
	p := s.passthroughs[0]
	s.passthroughs = s.passthroughs[1:]
	return p, true
}

// HasPassthrough reports whether a passthrough capture is in flight.
func (s *Session) HasPassthrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.passthroughs) > 0
}

// AppendPassthroughOutput accumulates assistant text on the oldest
// in-flight passthrough. No-op when none is in flight.
func (s *Session) AppendPassthroughOutput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.passthroughs) == 0 {
		return
	}
	s.passthroughs[0].Output += text
}

// BeginInitialize records the capability handshake and arms its timeout.
// Returns false while another handshake is pending, making duplicate
// sends a no-op. onTimeout runs only if the handshake expires before a
// matching response resolves it.
func (s *Session) BeginInitialize(requestID string, timeout time.Duration, onTimeout func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingInit != nil {
		return false
	}
	p := &PendingInitialize{RequestID: requestID}
	s.pendingInit = p
	p.Timer = time.AfterFunc(timeout, func() {
		if s.ExpireInitialize(requestID) && onTimeout != nil {
			onTimeout()
		}
	})
	return true
}

// ResolveInitialize completes the handshake matching requestID and stops
// its timer. A response arriving after expiry finds no match and is
// discarded by the caller.
func (s *Session) ResolveInitialize(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingInit == nil || s.pendingInit.RequestID != requestID {
		return false
	}
	if s.pendingInit.Timer != nil {
		s.pendingInit.Timer.Stop()
	}
	s.pendingInit = nil
	return true
}

// ExpireInitialize clears the handshake if requestID is still pending.
func (s *Session) ExpireInitialize(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingInit == nil || s.pendingInit.RequestID != requestID {
		return false
	}
	s.pendingInit = nil
	return true
}

// Touch refreshes the idle timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the record creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Snapshot is a read-only view of the record for list and get queries.
type Snapshot struct {
	SessionID    string         `json:"session_id"`
	Adapter      string         `json:"adapter"`
	Phase        Phase          `json:"phase"`
	CreatedAt    int64          `json:"created_at"`
	LastActivity int64          `json:"last_activity"`
	Consumers    int            `json:"consumers"`
	State        *State         `json:"state"`
	Queued       *QueuedMessage `json:"queued_message,omitempty"`
}

// Snapshot captures a consistent view of the record.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:    s.id,
		Adapter:      s.adapterName,
		Phase:        s.phase,
		CreatedAt:    s.createdAt.UnixMilli(),
		LastActivity: s.lastActivity.UnixMilli(),
		Consumers:    len(s.consumers),
		State:        s.state,
	}
	if s.queued != nil {
		q := *s.queued
		snap.Queued = &q
	}
	return snap
}
