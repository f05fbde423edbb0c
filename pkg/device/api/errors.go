// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"errors"
)

// Sentinel error kinds for host device management. Every error returned by
// the device packages wraps exactly one of these, so callers classify
// failures with errors.Is instead of matching message text.
var (
	// ErrOperationInvalid covers requests that conflict with the current
	// device state: the device is in use by another domain, is not
	// assignable, or is still listed as active.
	ErrOperationInvalid = errors.New("operation invalid")

	// ErrOperationFailed covers host-side I/O failures: sysfs writes,
	// netlink calls, state directory creation.
	ErrOperationFailed = errors.New("operation failed")

	// ErrConfigUnsupported covers configurations the manager recognizes
	// but does not implement: unsupported port-profile types, VLAN
	// trunking on a VF, direct VLAN combined with a virtual port.
	ErrConfigUnsupported = errors.New("unsupported configuration")

	// ErrInternal marks invariant violations and should not occur.
	ErrInternal = errors.New("internal error")
)
