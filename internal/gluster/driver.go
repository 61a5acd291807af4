// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"strings"
)

// Driver opens and creates images reachable over one transport. Every
// registered protocol name maps to a Driver sharing the same code.
type Driver struct {
	Protocol  string
	Transport Transport

	env Environment
}

// NewDriver returns the driver for the explicit "gluster+<transport>"
// protocol.
func NewDriver(t Transport, env Environment) *Driver {
	return &Driver{Protocol: t.Scheme(), Transport: t, env: env}
}

// Drivers returns the drivers of all protocol names: the bare "gluster",
// which means tcp, followed by one per transport.
func Drivers(env Environment) []*Driver {
	return []*Driver{
		{Protocol: Protocol, Transport: TransportTCP, env: env},
		NewDriver(TransportTCP, env),
		NewDriver(TransportUnix, env),
		NewDriver(TransportRDMA, env),
	}
}

// Probe picks the driver whose protocol prefixes filename.
func Probe(drivers []*Driver, filename string) (*Driver, error) {
	for _, d := range drivers {
		if strings.HasPrefix(filename, d.Protocol+"://") {
			return d, nil
		}
	}
	return nil, descriptorError(filename, "no driver for protocol")
}

// Open opens the image named by filename.
func (d *Driver) Open(filename string, o OpenOptions) (*Volume, error) {
	desc, err := d.parse(filename)
	if err != nil {
		return nil, err
	}
	return open(&d.env, desc, o)
}

// Create creates the image named by filename.
func (d *Driver) Create(filename string, o CreateOptions) error {
	desc, err := d.parse(filename)
	if err != nil {
		return err
	}
	return create(&d.env, desc, o)
}

func (d *Driver) parse(filename string) (*Descriptor, error) {
	desc, err := ParseDescriptor(filename)
	if err != nil {
		return nil, err
	}

	if desc.Transport != d.Transport {
		return nil, descriptorError(filename, "transport does not match protocol "+d.Protocol)
	}

	return desc, nil
}
