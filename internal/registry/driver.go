package registry

import (
	"github.com/busline/busd/internal/buserr"
	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/wire"
)

// BusName is the bus driver's own well-known name, the destination
// that routes a method call to Driver instead of another connection.
const BusName = "org.busline.Bus"

// Driver handles the name-registry driver methods spec.md §4.6 lists
// as handled directly by the broker rather than routed: Hello,
// RequestName, ReleaseName, ListNames, NameHasOwner, GetNameOwner.
// The remaining driver methods (AddMatch, RemoveMatch,
// StartServiceByName, UpdateActivationEnvironment,
// GetConnectionUnixUser) are handled by internal/dispatch, which has
// the match store, activation and transport collaborators Driver does
// not depend on.
type Driver struct {
	Registry *Registry
}

// NewDriver returns a Driver over reg.
func NewDriver(reg *Registry) *Driver { return &Driver{Registry: reg} }

// HandleHello implements the Hello method: mints a unique name and
// returns the method-return body (a single string). The caller is
// responsible for binding the returned name to the calling
// connection (Connection.SetUniqueName) once this returns.
func (d *Driver) HandleHello() (*wire.Writer, error) {
	name := d.Registry.Hello()
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return nil, err
	}
	return w, nil
}

// HandleRequestName implements RequestName(name string, flags uint32) -> uint32.
func (d *Driver) HandleRequestName(connID string, call *message.Message) (*wire.Writer, error) {
	r := call.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return nil, buserr.Wrap(buserr.InvalidArgs, err, "RequestName: reading name")
	}
	if _, err := r.Next(); err != nil {
		return nil, buserr.Wrap(buserr.InvalidArgs, err, "RequestName: advancing past name")
	}
	flagsV, err := r.ReadBasic()
	if err != nil {
		return nil, buserr.Wrap(buserr.InvalidArgs, err, "RequestName: reading flags")
	}

	outcome, _ := d.Registry.RequestName(connID, nameV.(string), RequestFlags(flagsV.(uint32)))
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.Uint32, uint32(outcome)+1); err != nil {
		return nil, err
	}
	return w, nil
}

// HandleReleaseName implements ReleaseName(name string) -> uint32.
func (d *Driver) HandleReleaseName(connID string, call *message.Message) (*wire.Writer, error) {
	r := call.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return nil, buserr.Wrap(buserr.InvalidArgs, err, "ReleaseName: reading name")
	}

	outcome, _ := d.Registry.ReleaseName(connID, nameV.(string))
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.Uint32, uint32(outcome)+1); err != nil {
		return nil, err
	}
	return w, nil
}

// HandleListNames implements ListNames() -> array of string.
func (d *Driver) HandleListNames() (*wire.Writer, error) {
	names := d.Registry.ListNames()
	w := wire.NewWriter(wire.LittleEndian)
	var arr wire.Writer
	if err := w.Recurse(wire.Array, "s", &arr); err != nil {
		return nil, err
	}
	for _, n := range names {
		if err := arr.WriteBasic(wire.String, n); err != nil {
			return nil, err
		}
	}
	if err := w.Unrecurse(&arr); err != nil {
		return nil, err
	}
	return w, nil
}

// HandleNameHasOwner implements NameHasOwner(name string) -> bool.
func (d *Driver) HandleNameHasOwner(call *message.Message) (*wire.Writer, error) {
	r := call.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return nil, buserr.Wrap(buserr.InvalidArgs, err, "NameHasOwner: reading name")
	}
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.Boolean, d.Registry.NameHasOwner(nameV.(string))); err != nil {
		return nil, err
	}
	return w, nil
}

// HandleGetNameOwner implements GetNameOwner(name string) -> string,
// replying NameHasNoOwner if unowned.
func (d *Driver) HandleGetNameOwner(call *message.Message) (*wire.Writer, error) {
	r := call.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return nil, buserr.Wrap(buserr.InvalidArgs, err, "GetNameOwner: reading name")
	}
	owner := d.Registry.GetNameOwner(nameV.(string))
	if owner == "" {
		return nil, buserr.New(buserr.NameHasNoOwner, "name %q has no owner", nameV.(string))
	}
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.String, owner); err != nil {
		return nil, err
	}
	return w, nil
}
