// Package sysunit adapts the system unit manager (systemd) over D-Bus into
// the narrow surface the resource-control core needs: reading a unit's
// control group and resource-control properties, applying overrides at
// runtime, starting/stopping lazily-activated units, and batching a
// daemon-reload after a run of drop-in writes.
//
// Grounded on rd-agent's util::systemd::{Unit, UnitResCtl, UnitState,
// daemon_reload} (original_source/rd-agent/src/slices.rs) and on the
// transient-unit/property-set idiom in runc's systemd cgroup manager
// (other_examples/..._libcontainer-cgroups-systemd-unified_hierarchy.go).
package sysunit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

// State is a coarse classification of a unit's ActiveState/SubState pair,
// collapsed to the distinctions the resource-control core actually branches
// on.
type State int

const (
	StateUnknown State = iota
	StateRunning
	StateOtherActive
	StateInactive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateOtherActive:
		return "other-active"
	case StateInactive:
		return "inactive"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func stateFromActiveSub(active, sub string) State {
	switch active {
	case "active":
		if sub == "running" {
			return StateRunning
		}
		return StateOtherActive
	case "failed":
		return StateFailed
	case "inactive", "deactivating", "activating":
		return StateInactive
	default:
		return StateUnknown
	}
}

// ResCtl is the resource-control override set a unit may carry: systemd's
// CPUWeight=/IOWeight=/MemoryMin=/MemoryLow=/MemoryHigh=/MemoryMax=, each
// optional since an absent knob leaves the property unmanaged rather than
// zeroed. math.MaxUint64 means "infinity"/unlimited.
type ResCtl struct {
	CPUWeight *uint32
	IOWeight  *uint32
	MemMin    *uint64
	MemLow    *uint64
	MemHigh   *uint64
	MemMax    *uint64
}

// Equal reports whether two override sets are identical, used to skip a
// redundant SetUnitProperties call during cascade propagation.
func (r ResCtl) Equal(o ResCtl) bool {
	return eqU32(r.CPUWeight, o.CPUWeight) &&
		eqU32(r.IOWeight, o.IOWeight) &&
		eqU64(r.MemMin, o.MemMin) &&
		eqU64(r.MemLow, o.MemLow) &&
		eqU64(r.MemHigh, o.MemHigh) &&
		eqU64(r.MemMax, o.MemMax)
}

func eqU32(a, b *uint32) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func eqU64(a, b *uint64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// Errors returned by unit lookups and applies. ErrNoSuchUnit distinguishes a
// unit that simply does not exist (yet) from other D-Bus failures so callers
// can decide whether to warn-and-continue or treat it as fatal.
var (
	ErrNoSuchUnit = errors.New("sysunit: no such unit")
	ErrBusError   = errors.New("sysunit: bus error")
)

// Conn is the subset of *github.com/coreos/go-systemd/v22/dbus.Conn this
// package depends on. Accepting it as an interface lets callers substitute a
// fake bus in tests instead of requiring a live system D-Bus connection.
type Conn interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	SetUnitPropertiesContext(ctx context.Context, name string, runtime bool, properties ...systemdDbus.Property) error
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StartTransientUnitContext(ctx context.Context, name, mode string, properties []systemdDbus.Property, ch chan<- string) (int, error)
	ReloadContext(ctx context.Context) error
}

// Unit is a snapshot of one systemd unit's control group, lifecycle state,
// and resource-control overrides, plus enough of a handle to push a changed
// ResCtl back or start/stop the unit.
type Unit struct {
	Name         string
	ControlGroup string
	State        State
	ResCtl       ResCtl

	conn Conn
}

// Connect opens a system-bus connection to the unit manager. Callers should
// keep one connection for the process lifetime and Close it on shutdown.
func Connect(ctx context.Context) (*systemdDbus.Conn, error) {
	conn, err := systemdDbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrBusError, err)
	}
	return conn, nil
}

// DaemonReload asks the unit manager to reload unit files and drop-ins, so
// that subsequently-applied overrides and subsequently-started units pick up
// configlets written to disk. Batched by callers across a run of writes
// rather than issued per-file.
func DaemonReload(ctx context.Context, conn Conn) error {
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("%w: daemon-reload: %w", ErrBusError, err)
	}
	return nil
}

// Lookup loads a unit's ControlGroup, ActiveState/SubState, and
// resource-control properties from the bus. It is not an error for the unit
// to be inactive; ErrNoSuchUnit is returned only when the unit manager has
// no knowledge of the name at all.
func Lookup(ctx context.Context, conn Conn, name string) (*Unit, error) {
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnit(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchUnit, name)
		}
		return nil, fmt.Errorf("%w: get properties %s: %w", ErrBusError, name, err)
	}

	u := &Unit{Name: name, conn: conn}
	if cg, ok := props["ControlGroup"].(string); ok {
		u.ControlGroup = cg
	}

	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	u.State = stateFromActiveSub(active, sub)

	u.ResCtl = resCtlFromProps(props)
	return u, nil
}

func isNoSuchUnit(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.freedesktop.systemd1.NoSuchUnit"
	}
	return false
}

func resCtlFromProps(props map[string]interface{}) ResCtl {
	var r ResCtl
	if v, ok := props["CPUWeight"].(uint64); ok && v != math.MaxUint64 {
		w := uint32(v)
		r.CPUWeight = &w
	}
	if v, ok := props["IOWeight"].(uint64); ok && v != math.MaxUint64 {
		w := uint32(v)
		r.IOWeight = &w
	}
	if v, ok := props["MemoryMin"].(uint64); ok {
		r.MemMin = &v
	}
	if v, ok := props["MemoryLow"].(uint64); ok {
		r.MemLow = &v
	}
	if v, ok := props["MemoryHigh"].(uint64); ok {
		r.MemHigh = &v
	}
	if v, ok := props["MemoryMax"].(uint64); ok {
		r.MemMax = &v
	}
	return r
}

// Apply pushes u.ResCtl to the unit manager as runtime (non-persistent)
// property overrides. Only non-nil fields are included, so a field left nil
// leaves that property untouched rather than clearing it; clearing a knob
// means setting it to math.MaxUint64 ("infinity") or 0 explicitly.
func (u *Unit) Apply(ctx context.Context) error {
	var props []systemdDbus.Property

	if u.ResCtl.CPUWeight != nil {
		props = append(props, newProp("CPUWeight", uint64(*u.ResCtl.CPUWeight)))
	}
	if u.ResCtl.IOWeight != nil {
		props = append(props, newProp("IOWeight", uint64(*u.ResCtl.IOWeight)))
	}
	if u.ResCtl.MemMin != nil {
		props = append(props, newProp("MemoryMin", *u.ResCtl.MemMin))
	}
	if u.ResCtl.MemLow != nil {
		props = append(props, newProp("MemoryLow", *u.ResCtl.MemLow))
	}
	if u.ResCtl.MemHigh != nil {
		props = append(props, newProp("MemoryHigh", *u.ResCtl.MemHigh))
	}
	if u.ResCtl.MemMax != nil {
		props = append(props, newProp("MemoryMax", *u.ResCtl.MemMax))
	}

	if len(props) == 0 {
		return nil
	}
	if err := u.conn.SetUnitPropertiesContext(ctx, u.Name, true, props...); err != nil {
		return fmt.Errorf("%w: set properties %s: %w", ErrBusError, u.Name, err)
	}
	return nil
}

// TryStartNowait issues a replace-mode start and returns without waiting for
// the job to finish; callers treat "unit already exists/starting" as
// success, matching the lazily-activated sideload.slice's idempotent
// creation path.
func (u *Unit) TryStartNowait(ctx context.Context) error {
	statusCh := make(chan string, 1)
	_, err := u.conn.StartUnitContext(ctx, u.Name, "replace", statusCh)
	if err != nil {
		return fmt.Errorf("%w: start %s: %w", ErrBusError, u.Name, err)
	}
	return nil
}

// Stop issues a replace-mode stop and waits briefly for acknowledgement.
func (u *Unit) Stop(ctx context.Context) error {
	statusCh := make(chan string, 1)
	_, err := u.conn.StopUnitContext(ctx, u.Name, "replace", statusCh)
	if err != nil {
		return fmt.Errorf("%w: stop %s: %w", ErrBusError, u.Name, err)
	}
	select {
	case <-statusCh:
	case <-time.After(time.Second):
	}
	return nil
}

func newProp(name string, value interface{}) systemdDbus.Property {
	return systemdDbus.Property{Name: name, Value: dbus.MakeVariant(value)}
}

// StartTransient creates and starts a new transient unit named name, with
// argv as its ExecStart command line, placed under the given slice. This is
// how a supervised agent process is actually launched (rather than
// assuming a unit of that name already exists) — the transient-unit
// counterpart to TryStartNowait, which only (re)starts a pre-existing one.
func StartTransient(ctx context.Context, conn Conn, name, sliceName string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("sysunit: start transient %s: empty command line", name)
	}

	props := []systemdDbus.Property{
		systemdDbus.PropDescription("resctl-core supervised process: " + name),
		systemdDbus.PropSlice(sliceName),
		systemdDbus.PropExecStart(argv, true),
	}

	statusCh := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, name, "replace", props, statusCh); err != nil {
		return fmt.Errorf("%w: start transient %s: %w", ErrBusError, name, err)
	}
	select {
	case <-statusCh:
	case <-time.After(time.Second):
	}
	return nil
}
