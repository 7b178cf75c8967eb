// Package permission gates camera use on access to the required device
// nodes. A permission is granted when the process can read and write the
// node.
package permission

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cjeanneret/camlux/internal/config"
	"github.com/cjeanneret/camlux/internal/debug"
)

const (
	MsgRequired = "Permissions are required to work"
	MsgDenied   = "Permissions were denied, permissions are required to work"
)

// Permission is a named device node the app needs.
type Permission struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// State is the result of a check.
type State struct {
	AllGranted          bool         `json:"all_granted"`
	ShouldShowRationale bool         `json:"should_show_rationale"`
	Denied              []Permission `json:"denied,omitempty"`
}

// Message is the text shown while permissions are missing, empty when all
// are granted.
func (s State) Message() string {
	switch {
	case s.AllGranted:
		return ""
	case s.ShouldShowRationale:
		return MsgDenied
	default:
		return MsgRequired
	}
}

// AccessFunc reports whether path is accessible; nil error means granted.
type AccessFunc func(path string) error

func unixAccess(path string) error {
	return unix.Access(path, unix.R_OK|unix.W_OK)
}

// Gate checks a fixed set of permissions.
type Gate struct {
	perms  []Permission
	access AccessFunc

	mu     sync.Mutex
	denied bool // a request was made and refused
}

// NewGate checks perms with unix.Access.
func NewGate(perms ...Permission) *Gate {
	return &Gate{perms: perms, access: unixAccess}
}

// NewGateWithAccess checks perms with a custom access function.
func NewGateWithAccess(access AccessFunc, perms ...Permission) *Gate {
	return &Gate{perms: perms, access: access}
}

// FromConfig returns the permissions cfg requires. The mock camera needs
// no device nodes.
func FromConfig(cfg *config.Config) []Permission {
	if cfg.Camera.Type == config.CameraMock {
		return nil
	}
	perms := []Permission{{Name: "camera", Path: cfg.Permissions.CameraDevice}}
	if !cfg.Permissions.SkipAudio {
		perms = append(perms, Permission{Name: "audio", Path: cfg.Permissions.AudioDevice})
	}
	return perms
}

// Permissions returns the checked permissions.
func (g *Gate) Permissions() []Permission {
	return append([]Permission(nil), g.perms...)
}

// Check evaluates every permission without side effects.
func (g *Gate) Check() State {
	var denied []Permission
	for _, p := range g.perms {
		if err := g.access(p.Path); err != nil {
			debug.Trace("Permission %s (%s) denied: %v", p.Name, p.Path, err)
			denied = append(denied, p)
		}
	}
	g.mu.Lock()
	rationale := g.denied
	g.mu.Unlock()

	st := State{AllGranted: len(denied) == 0, Denied: denied}
	if !st.AllGranted {
		st.ShouldShowRationale = rationale
	}
	return st
}

// Request asks for the missing permissions again. Device nodes cannot be
// granted from here, so this re-checks; a request that still leaves some
// denied switches the message to the rationale.
func (g *Gate) Request() State {
	st := g.Check()
	if st.AllGranted {
		g.mu.Lock()
		g.denied = false
		g.mu.Unlock()
		return st
	}
	g.mu.Lock()
	g.denied = true
	g.mu.Unlock()
	st.ShouldShowRationale = true
	for _, p := range st.Denied {
		debug.Info("Permission denied: %s (%s)", p.Name, p.Path)
	}
	return st
}
