// Copyright 2024-2026 Aiku AI

package bridge

import "errors"

var (
	// ErrConnectionFailed is returned by the pool when a connection could
	// not be established after the dialer's own retry policy is exhausted.
	ErrConnectionFailed = errors.New("irc connection failed")

	// ErrProvisioningFailed is returned when a virtual identity could not
	// be created, e.g. the WHOIS presence check found no such nick or the
	// homeserver rejected the registration.
	ErrProvisioningFailed = errors.New("identity provisioning failed")

	// ErrPMDisabled is returned when private-message bridging is disabled
	// by server policy.
	ErrPMDisabled = errors.New("private messages disabled for this server")
)
