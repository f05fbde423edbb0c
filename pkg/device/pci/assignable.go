// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hostvirt/hostdev/pkg/device/config"
)

// Base class 0x06 covers host bridges (0x0600) and PCI bridges (0x0604).
// One cannot pass a bridge through to a guest.
const pciBaseClassBridge = 0x06

// IsAssignable is the host-policy probe run before any mutation: the
// function must exist, must not be a bridge, and must belong to an IOMMU
// group. With strictACSCheck every other endpoint in the group must be a
// function of the same slot, otherwise ACS isolation is insufficient and
// assigning the device would expose its group peers to the guest.
func (dev *Device) IsAssignable(strictACSCheck bool) bool {
	log := deviceLogger().WithField("device", dev.name)

	if _, err := os.Stat(dev.sysfsPath()); err != nil {
		log.WithError(err).Warn("device vanished from sysfs")
		return false
	}

	if isBridge(dev.readClass()) {
		log.Warn("PCI bridges are not assignable")
		return false
	}

	groupDevs, err := dev.iommuGroupDevices()
	if err != nil {
		log.WithError(err).Warn("device has no IOMMU group")
		return false
	}

	if !strictACSCheck {
		return true
	}

	for _, peer := range groupDevs {
		if peer == dev.name {
			continue
		}
		peerAddr, err := config.ParsePciAddress(peer)
		if err != nil || !peerAddr.OnSameSlot(dev.addr) {
			log.WithField("group-peer", peer).
				Warn("IOMMU group is not isolated, ACS check failed")
			return false
		}
	}
	return true
}

// readClass returns the 24-bit PCI class code, -1 when unreadable.
func (dev *Device) readClass() int64 {
	buf, err := os.ReadFile(filepath.Join(dev.sysfsPath(), "class"))
	if err != nil {
		return -1
	}
	class, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 0, 32)
	if err != nil {
		return -1
	}
	return class
}

func isBridge(class int64) bool {
	return class >= 0 && (class>>16) == pciBaseClassBridge
}

// iommuGroupDevices lists the device names sharing this device's IOMMU
// group, resolved through the iommu_group symlink.
func (dev *Device) iommuGroupDevices() ([]string, error) {
	groupLink, err := os.Readlink(filepath.Join(dev.sysfsPath(), "iommu_group"))
	if err != nil {
		return nil, err
	}

	group := filepath.Base(groupLink)
	entries, err := os.ReadDir(filepath.Join(config.SysIOMMUGroupPath, group, "devices"))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
