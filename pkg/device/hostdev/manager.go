// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostdev

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/pci"
	"github.com/hostvirt/hostdev/pkg/device/scsi"
	"github.com/hostvirt/hostdev/pkg/device/usb"
)

// DefaultStateDir holds the per-VF network state blobs between prepare
// and reattach, surviving a restart of the embedding process.
var DefaultStateDir = "/var/run/hostvirt/hostdevmgr"

func hostdevLogger() *logrus.Entry {
	return api.DeviceLogger().WithField("subsystem", "hostdev")
}

// Manager is the process-wide owner of the host device registries. The
// active sets hold devices currently owned by some guest; the inactive
// PCI set holds devices detached from the host that no guest owns yet,
// typically pre-detached by the administrator.
type Manager struct {
	ActivePCIDevices   *pci.List
	InactivePCIDevices *pci.List
	ActiveUSBDevices   *usb.List
	ActiveSCSIDevices  *scsi.List

	StateDir string
}

var (
	defaultManager    *Manager
	defaultManagerErr error
	managerOnce       sync.Once
)

// GetDefault returns the process-wide manager, initializing it on first
// call. The singleton is never torn down.
func GetDefault() (*Manager, error) {
	managerOnce.Do(func() {
		defaultManager, defaultManagerErr = NewManager(DefaultStateDir)
	})
	return defaultManager, defaultManagerErr
}

// NewManager builds a manager with empty registries rooted at stateDir,
// creating the directory if needed. Public entry points are methods on
// the manager value, so tests and embedders can run against a fresh one.
func NewManager(stateDir string) (*Manager, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, errors.Wrapf(api.ErrOperationFailed,
			"failed to create state dir %q: %v", stateDir, err)
	}

	return &Manager{
		ActivePCIDevices:   pci.NewList(),
		InactivePCIDevices: pci.NewList(),
		ActiveUSBDevices:   usb.NewList(),
		ActiveSCSIDevices:  scsi.NewList(),
		StateDir:           stateDir,
	}, nil
}
