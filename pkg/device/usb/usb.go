// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package usb

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

// Device is the handle for one assignable USB device, identified by bus
// and device number. USB assignment has no stub driver or reset step, the
// registry only arbitrates exclusivity.
type Device struct {
	bus     uint
	devno   uint
	vendor  uint16
	product uint16

	usedByDrvName string
	usedByDomName string
}

// NewDevice returns a handle for the USB device named by src.
func NewDevice(src config.USBSource) *Device {
	return &Device{
		bus:     src.Bus,
		devno:   src.Devno,
		vendor:  src.Vendor,
		product: src.Product,
	}
}

// Name returns the bus:devno rendering used in log and error messages.
func (dev *Device) Name() string {
	return fmt.Sprintf("%03d:%03d", dev.bus, dev.devno)
}

// Bus returns the USB bus number.
func (dev *Device) Bus() uint {
	return dev.bus
}

// Devno returns the device number on the bus.
func (dev *Device) Devno() uint {
	return dev.devno
}

// ID returns the vendor:product identity.
func (dev *Device) ID() string {
	return fmt.Sprintf("%04x:%04x", dev.vendor, dev.product)
}

// SetUsedBy records the owning guest.
func (dev *Device) SetUsedBy(drvName, domName string) {
	dev.usedByDrvName = drvName
	dev.usedByDomName = domName
}

// UsedBy returns the owning (driver, domain) pair.
func (dev *Device) UsedBy() (string, string) {
	return dev.usedByDrvName, dev.usedByDomName
}

type busDevno struct {
	bus   uint
	devno uint
}

// List is an ordered set of USB device handles keyed by (bus, devno),
// with an index map for O(1) lookup. Like the PCI list, the embedded
// mutex is taken by callers, not by the methods.
type List struct {
	sync.Mutex

	devs  []*Device
	index map[busDevno]int
}

// NewList returns an empty device set.
func NewList() *List {
	return &List{
		index: make(map[busDevno]int),
	}
}

// Count returns the number of devices in the set.
func (l *List) Count() int {
	return len(l.devs)
}

// Get returns the device at position i, nil when out of range.
func (l *List) Get(i int) *Device {
	if i < 0 || i >= len(l.devs) {
		return nil
	}
	return l.devs[i]
}

// Add appends dev, rejecting a second handle for the same device.
func (l *List) Add(dev *Device) error {
	key := busDevno{bus: dev.bus, devno: dev.devno}
	if _, ok := l.index[key]; ok {
		return errors.Wrapf(api.ErrOperationInvalid,
			"USB device %s is already in the list", dev.Name())
	}
	l.devs = append(l.devs, dev)
	l.index[key] = len(l.devs) - 1
	return nil
}

// Find returns the handle for (bus, devno), nil when absent.
func (l *List) Find(bus, devno uint) *Device {
	if i, ok := l.index[busDevno{bus: bus, devno: devno}]; ok {
		return l.devs[i]
	}
	return nil
}

// Del removes the handle for (bus, devno), a noop when absent.
func (l *List) Del(bus, devno uint) {
	if i, ok := l.index[busDevno{bus: bus, devno: devno}]; ok {
		l.removeAt(i)
	}
}

// StealIndex removes and returns the handle at position i.
func (l *List) StealIndex(i int) *Device {
	if i < 0 || i >= len(l.devs) {
		return nil
	}
	return l.removeAt(i)
}

// removeAt drops position i and reindexes the shifted elements.
func (l *List) removeAt(i int) *Device {
	dev := l.devs[i]
	l.devs = append(l.devs[:i], l.devs[i+1:]...)
	delete(l.index, busDevno{bus: dev.bus, devno: dev.devno})
	for j := i; j < len(l.devs); j++ {
		l.index[busDevno{bus: l.devs[j].bus, devno: l.devs[j].devno}] = j
	}
	return dev
}
