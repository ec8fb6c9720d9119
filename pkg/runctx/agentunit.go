package runctx

import (
	"context"
	"fmt"

	"github.com/resctl-core/rdcore/pkg/slice"
	"github.com/resctl-core/rdcore/pkg/sysunit"
)

// SystemdAgentUnit is the production AgentUnit: it places the agent as a
// transient service under Host.slice and supervises it, the same Unit
// Adapter every other component in this module goes through.
type SystemdAgentUnit struct {
	Conn sysunit.Conn
	Name string

	// Argv is the agent's full command line (binary plus arguments),
	// built by RunCtx's startup procedure before Start is called.
	Argv []string
}

// NewSystemdAgentUnit wires a transient unit named name, launching argv, to
// the given bus connection. Start places it under host.slice; Stop/Refresh
// drive its lifecycle through the ordinary Unit Adapter lookup.
func NewSystemdAgentUnit(conn sysunit.Conn, name string, argv []string) *SystemdAgentUnit {
	return &SystemdAgentUnit{Conn: conn, Name: name, Argv: argv}
}

func (a *SystemdAgentUnit) unit(ctx context.Context) (*sysunit.Unit, error) {
	u, err := sysunit.Lookup(ctx, a.Conn, a.Name)
	if err != nil {
		return nil, fmt.Errorf("runctx: lookup agent unit %s: %w", a.Name, err)
	}
	return u, nil
}

// Start creates and starts the agent's transient unit under host.slice,
// running a.Argv.
func (a *SystemdAgentUnit) Start(ctx context.Context) error {
	return sysunit.StartTransient(ctx, a.Conn, a.Name, slice.Host.Name(), a.Argv)
}

// Stop stops the agent's transient unit.
func (a *SystemdAgentUnit) Stop(ctx context.Context) error {
	u, err := a.unit(ctx)
	if err != nil {
		return err
	}
	return u.Stop(ctx)
}

// Refresh re-reads the unit's lifecycle state from the bus.
func (a *SystemdAgentUnit) Refresh(ctx context.Context) (sysunit.State, error) {
	u, err := a.unit(ctx)
	if err != nil {
		return sysunit.StateUnknown, err
	}
	return u.State, nil
}
