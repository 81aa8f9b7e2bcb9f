// Package tasks keeps track of the running tasks of a node. A task owns a
// cancellable context; child tasks started on behalf of a parent, possibly on
// another node, are cancelled together with it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/atomic"
)

var (
	ErrTaskCancelled = errors.New("task cancelled")
	ErrUnknownTask   = errors.New("unknown task")
)

// ID identifies a task cluster wide.
type ID struct {
	Node string
	Seq  int64
}

// Empty is the id of "no task".
var Empty = ID{}

func (id ID) IsSet() bool { return id != Empty }

func (id ID) String() string {
	if !id.IsSet() {
		return "unset"
	}
	return id.Node + ":" + strconv.FormatInt(id.Seq, 10)
}

// ParseID parses the String form of an id.
func ParseID(s string) (ID, error) {
	if s == "" || s == "unset" {
		return Empty, nil
	}
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Empty, fmt.Errorf("malformed task id %q", s)
	}
	seq, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Empty, fmt.Errorf("malformed task id %q: %w", s, err)
	}
	return ID{Node: s[:i], Seq: seq}, nil
}

type Task struct {
	id     ID
	parent ID
	action string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (t *Task) ID() ID                   { return t.id }
func (t *Task) Parent() ID               { return t.parent }
func (t *Task) Action() string           { return t.action }
func (t *Task) Context() context.Context { return t.ctx }

// Cancel cancels the task context with cause.
func (t *Task) Cancel(cause error) {
	t.cancel(cause)
}

type Manager struct {
	node string
	seq  atomic.Int64

	mtx   sync.Mutex
	tasks map[ID]*Task
}

func NewManager(node string) *Manager {
	return &Manager{
		node:  node,
		tasks: map[ID]*Task{},
	}
}

// Register starts a task for action. Its context derives from ctx and
// carries the new task id, so that requests sent under it name it as their
// parent. A task registered under a parent that is already cancelled starts
// cancelled.
func (m *Manager) Register(ctx context.Context, action string, parent ID) *Task {
	id := ID{Node: m.node, Seq: m.seq.Inc()}
	ctx, cancel := context.WithCancelCause(WithParent(ctx, id))
	t := &Task{
		id:     id,
		parent: parent,
		action: action,
		ctx:    ctx,
		cancel: cancel,
	}

	m.mtx.Lock()
	m.tasks[id] = t
	m.mtx.Unlock()

	return t
}

// Unregister removes the task and releases its context.
func (m *Manager) Unregister(t *Task) {
	m.mtx.Lock()
	delete(m.tasks, t.id)
	m.mtx.Unlock()
	t.cancel(context.Canceled)
}

func (m *Manager) Get(id ID) (*Task, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Cancel cancels the task and all of its local children.
func (m *Manager) Cancel(id ID, reason string) error {
	t, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	cause := fmt.Errorf("%w: %s", ErrTaskCancelled, reason)
	t.Cancel(cause)
	m.cancelChildren(id, cause)
	return nil
}

// CancelChildren cancels the local children of parent, which may run on
// another node.
func (m *Manager) CancelChildren(parent ID, reason string) int {
	return m.cancelChildren(parent, fmt.Errorf("%w: %s", ErrTaskCancelled, reason))
}

func (m *Manager) cancelChildren(parent ID, cause error) int {
	m.mtx.Lock()
	var children []*Task
	for _, t := range m.tasks {
		if t.parent == parent {
			children = append(children, t)
		}
	}
	m.mtx.Unlock()

	for _, t := range children {
		t.Cancel(cause)
		m.cancelChildren(t.id, cause)
	}
	return len(children)
}

// Len returns the number of registered tasks.
func (m *Manager) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.tasks)
}

type parentKey struct{}

// WithParent returns a context carrying id as the parent of any task started
// from it.
func WithParent(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, parentKey{}, id)
}

// ParentFromContext returns the parent id carried by ctx, or Empty.
func ParentFromContext(ctx context.Context) ID {
	id, _ := ctx.Value(parentKey{}).(ID)
	return id
}
