// Package inspector links debugging sessions of parent and child
// environments.
//
// The wire protocol is not implemented; what is modelled is the session
// tree and the parent handle a parent environment passes to a child it
// spawns. A handle is opaque outside this package and is consumed exactly
// once, when the child attaches.
//
// Hosts without debugging support use Disabled, so environment code never
// branches on whether an inspector exists.
package inspector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

// Inspector is the debugging capability handed to environments.
type Inspector interface {
	// Enabled reports whether sessions are real.
	Enabled() bool
	// Attach creates the session for the environment running on threadID,
	// consuming handle when the environment has a parent.
	Attach(tid threadid.ThreadID, handle *ParentHandle) (Session, error)
	// GetParentHandle creates a handle that lets the child running on
	// threadID connect back to parent.
	GetParentHandle(parent Session, tid threadid.ThreadID, url string) *ParentHandle
}

// Session is one environment's debugging session.
type Session interface {
	ID() string
	ThreadID() threadid.ThreadID
	URL() string
	// ParentID is empty for root sessions.
	ParentID() string
	Detach()
}

// ParentHandle is an opaque capability connecting a child session to its
// parent.
type ParentHandle struct {
	impl     *parentLink
	consumed atomic.Bool
}

type parentLink struct {
	agent  *Agent
	parent *session
	tid    threadid.ThreadID
	url    string
}

// Consumed reports whether the handle has been used.
func (h *ParentHandle) Consumed() bool {
	return h.consumed.Load()
}

func (h *ParentHandle) consume() (*parentLink, error) {
	if !h.consumed.CompareAndSwap(false, true) {
		return nil, errors.New(errors.PhaseInspector, errors.KindConsumed).
			Detail("parent handle already consumed").
			Build()
	}
	return h.impl, nil
}

// Agent is the in-process inspector. It is safe for concurrent use.
type Agent struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

var _ Inspector = (*Agent)(nil)

// NewAgent creates an empty session tree.
func NewAgent(logger *zap.Logger) *Agent {
	return &Agent{
		logger:   logging.OrNop(logger).Named("inspector"),
		sessions: make(map[string]*session),
	}
}

func (a *Agent) Enabled() bool { return true }

func (a *Agent) Attach(tid threadid.ThreadID, handle *ParentHandle) (Session, error) {
	check.That(tid.Valid(), "inspector.attach", "invalid thread id")

	s := &session{
		agent:    a,
		id:       uuid.NewString(),
		tid:      tid,
		attached: time.Now(),
	}
	if handle != nil {
		link, err := handle.consume()
		if err != nil {
			return nil, err
		}
		if link.agent != a {
			return nil, errors.InvalidInput(errors.PhaseInspector, "parent handle belongs to another inspector")
		}
		if link.tid != tid {
			return nil, errors.InvalidInput(errors.PhaseInspector, "parent handle was issued for thread "+link.tid.String())
		}
		s.parent = link.parent
		s.url = link.url
	}

	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()

	a.logger.Debug("Session attached",
		zap.String("session_id", s.id),
		logging.ThreadID(uint64(tid)),
		zap.String("parent_id", s.ParentID()),
	)
	return s, nil
}

func (a *Agent) GetParentHandle(parent Session, tid threadid.ThreadID, url string) *ParentHandle {
	check.That(tid.Valid(), "inspector.get_parent_handle", "invalid thread id")
	ps, ok := parent.(*session)
	check.That(ok && ps.agent == a, "inspector.get_parent_handle", "parent session does not belong to this inspector")
	return &ParentHandle{impl: &parentLink{agent: a, parent: ps, tid: tid, url: url}}
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID       string    `json:"id"`
	ThreadID uint64    `json:"thread_id"`
	URL      string    `json:"url,omitempty"`
	ParentID string    `json:"parent_id,omitempty"`
	Attached time.Time `json:"attached"`
}

// Sessions lists live sessions.
func (a *Agent) Sessions() []SessionInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]SessionInfo, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, SessionInfo{
			ID:       s.id,
			ThreadID: uint64(s.tid),
			URL:      s.url,
			ParentID: s.ParentID(),
			Attached: s.attached,
		})
	}
	return out
}

// Children returns the ids of sessions whose parent is id.
func (a *Agent) Children(id string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for _, s := range a.sessions {
		if s.parent != nil && s.parent.id == id {
			out = append(out, s.id)
		}
	}
	return out
}

type session struct {
	agent    *Agent
	id       string
	tid      threadid.ThreadID
	url      string
	parent   *session
	attached time.Time
	detached atomic.Bool
}

func (s *session) ID() string                  { return s.id }
func (s *session) ThreadID() threadid.ThreadID { return s.tid }
func (s *session) URL() string                 { return s.url }

func (s *session) ParentID() string {
	if s.parent == nil {
		return ""
	}
	return s.parent.id
}

func (s *session) Detach() {
	if !s.detached.CompareAndSwap(false, true) {
		return
	}
	s.agent.mu.Lock()
	delete(s.agent.sessions, s.id)
	s.agent.mu.Unlock()
	s.agent.logger.Debug("Session detached", zap.String("session_id", s.id))
}
