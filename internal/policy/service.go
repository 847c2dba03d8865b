package policy

import "fmt"

// ServiceSpec is one <service> entry: the well-known name it
// activates, the executable to run, and the user to run it as (empty
// meaning the bus's own user).
type ServiceSpec struct {
	Name string
	Exec string
	User string
}

// Service looks up the activation spec for a well-known name.
func (d *Document) Service(name string) (ServiceSpec, error) {
	if d == nil {
		return ServiceSpec{}, fmt.Errorf("policy: no service directory loaded for %q", name)
	}
	spec, ok := d.services[name]
	if !ok {
		return ServiceSpec{}, fmt.Errorf("policy: no service entry for %q", name)
	}
	if spec.Exec == "" {
		return ServiceSpec{}, fmt.Errorf("policy: service entry for %q has no exec", name)
	}
	return spec, nil
}
