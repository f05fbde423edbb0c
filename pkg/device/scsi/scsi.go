// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package scsi

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

// Owner is one guest using a SCSI unit. A shareable unit may accumulate
// several owners, a non-shareable one at most one.
type Owner struct {
	DrvName string
	DomName string
}

// Device is the handle for one assignable SCSI unit.
type Device struct {
	adapter string
	bus     uint
	target  uint
	unit    uint64

	shareable bool
	owners    []Owner
}

// NewDevice returns a handle for the SCSI unit named by src.
func NewDevice(src config.SCSISource, shareable bool) *Device {
	return &Device{
		adapter:   src.Adapter,
		bus:       src.Bus,
		target:    src.Target,
		unit:      src.Unit,
		shareable: shareable,
	}
}

// Name returns the adapter:bus:target:unit rendering.
func (dev *Device) Name() string {
	return fmt.Sprintf("%s:%d:%d:%d", dev.adapter, dev.bus, dev.target, dev.unit)
}

// Shareable reports whether multiple guests may use the unit at once.
func (dev *Device) Shareable() bool {
	return dev.shareable
}

// AddOwner records drv/dom as a user of the unit.
func (dev *Device) AddOwner(drvName, domName string) {
	dev.owners = append(dev.owners, Owner{DrvName: drvName, DomName: domName})
}

// RemoveOwner drops one drv/dom ownership record and reports whether the
// unit still has owners left.
func (dev *Device) RemoveOwner(drvName, domName string) (inUse bool) {
	for i, o := range dev.owners {
		if o.DrvName == drvName && o.DomName == domName {
			dev.owners = append(dev.owners[:i], dev.owners[i+1:]...)
			break
		}
	}
	return len(dev.owners) > 0
}

// OwnedBy reports whether drv/dom is among the unit's users.
func (dev *Device) OwnedBy(drvName, domName string) bool {
	for _, o := range dev.owners {
		if o.DrvName == drvName && o.DomName == domName {
			return true
		}
	}
	return false
}

// Owners returns the current ownership records.
func (dev *Device) Owners() []Owner {
	return dev.owners
}

func (dev *Device) source() config.SCSISource {
	return config.SCSISource{
		Adapter: dev.adapter,
		Bus:     dev.bus,
		Target:  dev.target,
		Unit:    dev.unit,
	}
}

// List is an ordered set of SCSI unit handles keyed by the full unit
// address, with an index map for O(1) lookup. The embedded mutex is
// taken by callers, not by the methods.
type List struct {
	sync.Mutex

	devs  []*Device
	index map[config.SCSISource]int
}

// NewList returns an empty device set.
func NewList() *List {
	return &List{
		index: make(map[config.SCSISource]int),
	}
}

// Count returns the number of units in the set.
func (l *List) Count() int {
	return len(l.devs)
}

// Get returns the unit at position i, nil when out of range.
func (l *List) Get(i int) *Device {
	if i < 0 || i >= len(l.devs) {
		return nil
	}
	return l.devs[i]
}

// Add appends dev, rejecting a second handle for the same unit.
func (l *List) Add(dev *Device) error {
	if _, ok := l.index[dev.source()]; ok {
		return errors.Wrapf(api.ErrOperationInvalid,
			"SCSI device %s is already in the list", dev.Name())
	}
	l.devs = append(l.devs, dev)
	l.index[dev.source()] = len(l.devs) - 1
	return nil
}

// Find returns the handle for the unit at src, nil when absent.
func (l *List) Find(src config.SCSISource) *Device {
	if i, ok := l.index[src]; ok {
		return l.devs[i]
	}
	return nil
}

// Del removes the handle for the unit at src, a noop when absent.
func (l *List) Del(src config.SCSISource) {
	i, ok := l.index[src]
	if !ok {
		return
	}
	l.devs = append(l.devs[:i], l.devs[i+1:]...)
	delete(l.index, src)
	for j := i; j < len(l.devs); j++ {
		l.index[l.devs[j].source()] = j
	}
}
