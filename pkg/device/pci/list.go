// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

// List is an ordered set of device handles uniquely keyed by address.
// The slice keeps the stable iteration order, the index map keeps
// find-by-address O(1).
//
// The embedded mutex is the registry's intrinsic lock; List methods do not
// take it themselves because the assignment pipelines hold it across many
// calls. Callers that share a List across goroutines must Lock/Unlock
// around any sequence of method calls. Surviving elements never change
// their relative order.
type List struct {
	sync.Mutex

	devs  []*Device
	index map[config.PciAddress]int
}

// NewList returns an empty device set.
func NewList() *List {
	return &List{
		index: make(map[config.PciAddress]int),
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

// Add appends dev, rejecting a second handle with the same address.
func (l *List) Add(dev *Device) error {
	if _, ok := l.index[dev.addr]; ok {
		return errors.Wrapf(api.ErrOperationInvalid,
			"device %s is already in the list", dev.name)
	}
	l.devs = append(l.devs, dev)
	l.index[dev.addr] = len(l.devs) - 1
	return nil
}

// AddCopy appends a deep copy of dev.
func (l *List) AddCopy(dev *Device) error {
	return l.Add(dev.Copy())
}

// Find returns the handle equal in identity to dev, nil when absent.
func (l *List) Find(dev *Device) *Device {
	return l.FindByAddress(dev.addr)
}

// FindByAddress returns the handle at addr, nil when absent.
func (l *List) FindByAddress(addr config.PciAddress) *Device {
	if i, ok := l.index[addr]; ok {
		return l.devs[i]
	}
	return nil
}

// FindSlotSibling returns a listed device that shares addr's physical
// slot but is a different function, nil when there is none.
func (l *List) FindSlotSibling(addr config.PciAddress) *Device {
	for fn := uint32(0); fn <= 7; fn++ {
		sibling := addr
		sibling.Function = fn
		if sibling.Compare(addr) == 0 {
			continue
		}
		if dev := l.FindByAddress(sibling); dev != nil {
			return dev
		}
	}
	return nil
}

// Del removes the handle at addr, dropping the reference. It is a noop
// when the address is absent.
func (l *List) Del(addr config.PciAddress) {
	if i, ok := l.index[addr]; ok {
		l.removeAt(i)
	}
}

// Steal removes and returns the handle equal in identity to dev,
// transferring ownership to the caller. Returns nil when absent.
func (l *List) Steal(dev *Device) *Device {
	if i, ok := l.index[dev.addr]; ok {
		return l.removeAt(i)
	}
	return nil
}

// StealIndex removes and returns the handle at position i, transferring
// ownership to the caller.
func (l *List) StealIndex(i int) *Device {
	if i < 0 || i >= len(l.devs) {
		return nil
	}
	return l.removeAt(i)
}

// CopyAll returns deep copies of every handle, preserving order.
func (l *List) CopyAll() []*Device {
	copies := make([]*Device, 0, len(l.devs))
	for _, d := range l.devs {
		copies = append(copies, d.Copy())
	}
	return copies
}

// removeAt drops position i and reindexes the elements shifted down by
// it, keeping the surviving order intact.
func (l *List) removeAt(i int) *Device {
	dev := l.devs[i]
	l.devs = append(l.devs[:i], l.devs[i+1:]...)
	delete(l.index, dev.addr)
	for j := i; j < len(l.devs); j++ {
		l.index[l.devs[j].addr] = j
	}
	return dev
}
