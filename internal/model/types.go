package model

import "time"

// Status is the lifecycle state of a logical terminal.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusActive   Status = "active"
	StatusDetached Status = "detached"
	StatusError    Status = "error"
)

// StatusPrecedence orders pane statuses when deriving a container status.
// Lower wins.
var StatusPrecedence = map[Status]int{
	StatusError:    1,
	StatusDetached: 2,
	StatusSpawning: 3,
	StatusActive:   4,
}

type Kind string

const (
	KindLeaf      Kind = "leaf"
	KindContainer Kind = "container"
)

type LayoutType string

const (
	LayoutSingle     LayoutType = "single"
	LayoutVertical   LayoutType = "vertical"
	LayoutHorizontal LayoutType = "horizontal"
)

// Edge is where an incoming terminal was dropped relative to the target.
type Edge string

const (
	EdgeLeft   Edge = "left"
	EdgeRight  Edge = "right"
	EdgeTop    Edge = "top"
	EdgeBottom Edge = "bottom"
	EdgeCenter Edge = "center"
)

func (e Edge) Valid() bool {
	switch e {
	case EdgeLeft, EdgeRight, EdgeTop, EdgeBottom, EdgeCenter:
		return true
	default:
		return false
	}
}

type Pane struct {
	PaneID     string  `json:"pane_id"`
	TerminalID string  `json:"terminal_id"`
	Size       float64 `json:"size"`
	Position   string  `json:"position"`
}

type SplitLayout struct {
	Type  LayoutType `json:"type"`
	Panes []Pane     `json:"panes"`
}

func (l SplitLayout) Composite() bool {
	return l.Type == LayoutVertical || l.Type == LayoutHorizontal
}

// PaneFor returns the pane that references terminalID.
func (l SplitLayout) PaneFor(terminalID string) (Pane, bool) {
	for _, p := range l.Panes {
		if p.TerminalID == terminalID {
			return p, true
		}
	}
	return Pane{}, false
}

func (l SplitLayout) Clone() SplitLayout {
	out := SplitLayout{Type: l.Type}
	if len(l.Panes) > 0 {
		out.Panes = append([]Pane(nil), l.Panes...)
	}
	return out
}

// Header carries the fields shared by every logical terminal.
type Header struct {
	ID          string
	DisplayName string
	ProfileRef  string
	CreatedAt   time.Time
}

// Terminal is either a *Leaf or a *Container. Callers destructure it with a
// type switch; there is no optional-field encoding of the two shapes.
type Terminal interface {
	Head() Header
	Kind() Kind
}

// Leaf is a logical terminal backed by exactly one multiplexer session.
type Leaf struct {
	Header
	Status      Status
	SessionName string
	AgentID     string
	WorkingDir  string
	Command     string
	Confirmed   bool
}

func (l *Leaf) Head() Header { return l.Header }
func (l *Leaf) Kind() Kind   { return KindLeaf }

func (l *Leaf) Clone() *Leaf {
	c := *l
	return &c
}

// Container is a composite terminal whose panes reference other leaves.
// Detached records an explicit user detach; the effective status is always
// derived from the panes. Ref names the terminal a collapsed (single)
// container stands for.
type Container struct {
	Header
	Detached bool
	Layout   SplitLayout
	Ref      string
}

func (c *Container) Head() Header { return c.Header }
func (c *Container) Kind() Kind   { return KindContainer }

func (c *Container) Clone() *Container {
	out := *c
	out.Layout = c.Layout.Clone()
	return &out
}

// TerminalView is the flattened shape exchanged with clients and persisted.
type TerminalView struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	DisplayName string       `json:"display_name"`
	ProfileRef  string       `json:"profile_ref,omitempty"`
	Status      Status       `json:"status"`
	SessionName string       `json:"session_name,omitempty"`
	AgentID     string       `json:"agent_id,omitempty"`
	WorkingDir  string       `json:"working_dir,omitempty"`
	Command     string       `json:"command,omitempty"`
	SplitLayout *SplitLayout `json:"split_layout,omitempty"`
	Ref         string       `json:"ref,omitempty"`
	PaneOf      string       `json:"pane_of,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SessionInfo is one multiplexer session as reported by list-sessions.
type SessionInfo struct {
	Name      string
	CreatedAt time.Time
	Windows   int
	Attached  int
}

type OrphanSession struct {
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
	Windows     int       `json:"windows"`
	Attached    bool      `json:"attached"`
}

type BulkResult struct {
	SessionName string `json:"session_name"`
	OK          bool   `json:"ok"`
	TerminalID  string `json:"terminal_id,omitempty"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error,omitempty"`
}

type EventType string

const (
	EventTerminalList      EventType = "terminal-list"
	EventTerminalUpdated   EventType = "terminal-updated"
	EventTerminalClosed    EventType = "terminal-closed"
	EventTerminalAvailable EventType = "terminal-available"
	EventTerminalLost      EventType = "terminal-lost"
	EventSpawnFailed       EventType = "spawn-failed"
	EventOutput            EventType = "output"
)

// Event is produced by the engine actor. Events for one terminal are
// emitted in order.
type Event struct {
	Type        EventType
	TerminalID  string
	AgentID     string
	SessionName string
	Terminal    *TerminalView
	Terminals   []TerminalView
	Data        []byte
	Code        string
	Message     string
}

type SpawnRequest struct {
	Profile     string `json:"profile,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	WorkingDir  string `json:"working_dir,omitempty"`
	Command     string `json:"command,omitempty"`
	SessionName string `json:"session_name,omitempty"`
}

type MergeRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Edge     Edge   `json:"edge"`
}

type HostHealth string

const (
	HostHealthOK       HostHealth = "ok"
	HostHealthDegraded HostHealth = "degraded"
	HostHealthDown     HostHealth = "down"
)
