// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

func deviceLogger() *logrus.Entry {
	return api.DeviceLogger().WithField("subsystem", "pci")
}

// Device is the handle for one assignable PCI function. A handle carries
// the declarative configuration set before the assignment pipeline runs
// (managed flag, stub driver) and the state captured while it runs
// (used-by, original binding).
type Device struct {
	addr config.PciAddress
	name string

	managed    bool
	stubDriver string

	usedByDrvName string
	usedByDomName string

	// Original binding captured at detach time, restored on reattach.
	unbindFromStub bool
	removeSlot     bool
	reprobe        bool
	origDriver     string
}

// NewDevice returns a handle for the function at addr, verifying the
// device exists on the host.
func NewDevice(addr config.PciAddress) (*Device, error) {
	dev := &Device{
		addr: addr,
		name: addr.String(),
	}
	if _, err := os.Stat(dev.sysfsPath()); err != nil {
		return nil, errors.Wrapf(api.ErrOperationFailed,
			"no PCI device found at %s: %v", dev.name, err)
	}
	return dev, nil
}

// Name returns the canonical dddd:bb:ss.f name of the device.
func (dev *Device) Name() string {
	return dev.name
}

// Address returns the device identity.
func (dev *Device) Address() config.PciAddress {
	return dev.addr
}

// SetManaged declares whether the manager binds/unbinds the stub driver
// for this device or the administrator already did.
func (dev *Device) SetManaged(managed bool) {
	dev.managed = managed
}

// Managed reports the managed flag.
func (dev *Device) Managed() bool {
	return dev.managed
}

// SetStubDriver selects the placeholder driver that owns the device while
// it is assigned.
func (dev *Device) SetStubDriver(name string) error {
	if name != config.VFIOPCIDriver && name != config.PCIStubDriver {
		return errors.Wrapf(api.ErrOperationInvalid,
			"unknown stub driver %q for device %s", name, dev.name)
	}
	dev.stubDriver = name
	return nil
}

// StubDriver returns the configured stub driver name.
func (dev *Device) StubDriver() string {
	return dev.stubDriver
}

// SetUsedBy records the owning guest.
func (dev *Device) SetUsedBy(drvName, domName string) {
	dev.usedByDrvName = drvName
	dev.usedByDomName = domName
}

// UsedBy returns the owning (driver, domain) pair, both empty when the
// device is not assigned.
func (dev *Device) UsedBy() (string, string) {
	return dev.usedByDrvName, dev.usedByDomName
}

// OrigStates exports the original binding captured at detach time.
func (dev *Device) OrigStates() config.PCIOrigStates {
	return config.PCIOrigStates{
		UnbindFromStub: dev.unbindFromStub,
		RemoveSlot:     dev.removeSlot,
		Reprobe:        dev.reprobe,
		OrigDriver:     dev.origDriver,
	}
}

// SetOrigStates loads a previously captured original binding, used when a
// handle is rebuilt from persisted domain state.
func (dev *Device) SetOrigStates(st config.PCIOrigStates) {
	dev.unbindFromStub = st.UnbindFromStub
	dev.removeSlot = st.RemoveSlot
	dev.reprobe = st.Reprobe
	dev.origDriver = st.OrigDriver
}

// Copy deep-copies the handle.
func (dev *Device) Copy() *Device {
	dup := *dev
	return &dup
}

// Detach binds the device to its stub driver and captures the original
// binding so Reattach can restore it. The device must not be listed in
// activeDevs; when inactiveDevs is given the device is tracked there
// afterwards, which is how administrator pre-detach works.
func (dev *Device) Detach(activeDevs, inactiveDevs *List) error {
	if dev.stubDriver == "" {
		return errors.Wrapf(api.ErrInternal,
			"no stub driver configured for device %s", dev.name)
	}
	if activeDevs != nil && activeDevs.FindByAddress(dev.addr) != nil {
		return errors.Wrapf(api.ErrOperationInvalid,
			"not detaching active device %s", dev.name)
	}

	if err := dev.bindToStub(); err != nil {
		return err
	}

	if inactiveDevs != nil && inactiveDevs.FindByAddress(dev.addr) == nil {
		if err := inactiveDevs.AddCopy(dev); err != nil {
			return err
		}
	}
	return nil
}

// Reattach unbinds the device from its stub driver and, when the original
// binding asks for it, reprobes host drivers. The device must not be
// listed in activeDevs; it is dropped from inactiveDevs.
func (dev *Device) Reattach(activeDevs, inactiveDevs *List) error {
	if activeDevs != nil && activeDevs.FindByAddress(dev.addr) != nil {
		return errors.Wrapf(api.ErrOperationInvalid,
			"not reattaching active device %s", dev.name)
	}

	if err := dev.unbindFromStubDriver(); err != nil {
		return err
	}

	if inactiveDevs != nil {
		inactiveDevs.Del(dev.addr)
	}
	return nil
}

// Reset performs a function-level reset. All functions sharing the reset
// scope must have been detached first; a sibling still listed as active
// means the caller got the ordering wrong.
func (dev *Device) Reset(activeDevs, inactiveDevs *List) error {
	if activeDevs != nil && activeDevs.FindByAddress(dev.addr) != nil {
		return errors.Wrapf(api.ErrOperationInvalid,
			"not resetting active device %s", dev.name)
	}
	if activeDevs != nil {
		if other := activeDevs.FindSlotSibling(dev.addr); other != nil {
			return errors.Wrapf(api.ErrOperationInvalid,
				"not resetting device %s, active device %s shares its slot",
				dev.name, other.Name())
		}
	}

	resetPath := filepath.Join(dev.sysfsPath(), "reset")
	if _, err := os.Stat(resetPath); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"no function-level reset support for device %s: %v", dev.name, err)
	}
	if err := writeToFile(resetPath, []byte("1")); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to reset device %s: %v", dev.name, err)
	}

	deviceLogger().WithField("device", dev.name).Debug("device reset")
	return nil
}

// WaitForCleanup reports whether the kernel still holds the cleanup
// marker file for this device, e.g. "kvm_assigned_device".
func (dev *Device) WaitForCleanup(matcher string) bool {
	_, err := os.Stat(filepath.Join(dev.sysfsPath(), matcher))
	return err == nil
}

func (dev *Device) sysfsPath() string {
	return filepath.Join(config.SysBusPciDevicesPath, dev.name)
}

// bindToStub reroutes the device to the stub driver: driver_override,
// unbind from the current driver, then a drivers_probe so the kernel
// matches the override.
func (dev *Device) bindToStub() error {
	if err := stubDriverPresent(dev.stubDriver); err != nil {
		return err
	}

	origDriver, err := dev.currentDriver()
	if err != nil {
		return err
	}
	if origDriver == dev.stubDriver {
		// Already owned by the stub, e.g. pre-detached by the admin.
		// There is nothing to undo on reattach.
		dev.unbindFromStub = false
		dev.removeSlot = false
		dev.reprobe = false
		dev.origDriver = ""
		return nil
	}

	if err := writeToFile(dev.driverOverridePath(), []byte(dev.stubDriver)); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to set driver_override for device %s: %v", dev.name, err)
	}

	if origDriver != "" {
		if err := writeToFile(dev.driverUnbindPath(), []byte(dev.name)); err != nil {
			return errors.Wrapf(api.ErrOperationFailed,
				"failed to unbind device %s from driver %s: %v",
				dev.name, origDriver, err)
		}
	}

	if err := writeToFile(config.SysBusPciDriversProbePath, []byte(dev.name)); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to trigger driver probe for device %s: %v", dev.name, err)
	}

	dev.unbindFromStub = true
	// driver_override rebinding never registers a dynamic ID slot, so
	// there is no slot to remove on reattach.
	dev.removeSlot = false
	dev.reprobe = origDriver != ""
	dev.origDriver = origDriver

	deviceLogger().WithFields(logrus.Fields{
		"device":      dev.name,
		"stub-driver": dev.stubDriver,
		"orig-driver": origDriver,
	}).Info("device bound to stub driver")
	return nil
}

// unbindFromStubDriver reverses bindToStub according to the captured
// original binding.
func (dev *Device) unbindFromStubDriver() error {
	if !dev.unbindFromStub {
		return nil
	}

	if err := writeToFile(dev.driverOverridePath(), []byte(dev.origDriver)); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to restore driver_override for device %s: %v", dev.name, err)
	}

	current, err := dev.currentDriver()
	if err != nil {
		return err
	}
	if current == dev.stubDriver {
		if err := writeToFile(dev.driverUnbindPath(), []byte(dev.name)); err != nil {
			return errors.Wrapf(api.ErrOperationFailed,
				"failed to unbind device %s from stub driver %s: %v",
				dev.name, dev.stubDriver, err)
		}
	}

	if dev.reprobe {
		if err := writeToFile(config.SysBusPciDriversProbePath, []byte(dev.name)); err != nil {
			return errors.Wrapf(api.ErrOperationFailed,
				"failed to reprobe drivers for device %s: %v", dev.name, err)
		}
	}

	dev.unbindFromStub = false
	dev.reprobe = false
	dev.origDriver = ""

	deviceLogger().WithField("device", dev.name).Info("device returned to host driver")
	return nil
}
