// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
)

// PciAddress is the (domain, bus, slot, function) identity of a PCI
// function. The zero value is 0000:00:00.0.
type PciAddress struct {
	Domain   uint32
	Bus      uint32
	Slot     uint32
	Function uint32
}

// String renders the canonical sysfs form, e.g. 0000:03:00.1.
func (a PciAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// Compare orders addresses lexicographically by (domain, bus, slot,
// function), returning -1, 0 or 1.
func (a PciAddress) Compare(b PciAddress) int {
	fields := [4][2]uint32{
		{a.Domain, b.Domain},
		{a.Bus, b.Bus},
		{a.Slot, b.Slot},
		{a.Function, b.Function},
	}
	for _, f := range fields {
		if f[0] < f[1] {
			return -1
		}
		if f[0] > f[1] {
			return 1
		}
	}
	return 0
}

// ParsePciAddress parses the canonical dddd:bb:ss.f form.
func ParsePciAddress(s string) (PciAddress, error) {
	var addr PciAddress
	n, err := fmt.Sscanf(s, "%04x:%02x:%02x.%d",
		&addr.Domain, &addr.Bus, &addr.Slot, &addr.Function)
	if err != nil || n != 4 {
		return PciAddress{}, errors.Wrapf(api.ErrOperationInvalid,
			"malformed PCI address %q", s)
	}
	if addr.Bus > 0xff || addr.Slot > 0x1f || addr.Function > 7 {
		return PciAddress{}, errors.Wrapf(api.ErrOperationInvalid,
			"PCI address %q out of range", s)
	}
	return addr, nil
}

// OnSameSlot tells whether two functions share a physical slot, which is
// the scope a slot-level reset disturbs.
func (a PciAddress) OnSameSlot(b PciAddress) bool {
	return a.Domain == b.Domain && a.Bus == b.Bus && a.Slot == b.Slot
}
