package hotplug

import "errors"

var (
	// ErrAlreadyRegistered is returned by RegisterUSB/RegisterNet when an
	// identical mapping already exists for the compartment.
	ErrAlreadyRegistered = errors.New("hotplug: mapping already registered")
	// ErrNoMatch names the case of a uevent that doesn't correspond to any
	// registered mapping. No function in this package returns it.
	ErrNoMatch = errors.New("hotplug: no matching mapping")
)
