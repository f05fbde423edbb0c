// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostdev

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
	"github.com/hostvirt/hostdev/pkg/device/netvf"
	"github.com/hostvirt/hostdev/pkg/device/pci"
	"github.com/hostvirt/hostdev/pkg/hosttrace"
)

// hostdevTracingTags defines tags for the trace span
var hostdevTracingTags = map[string]string{
	"source":    "runtime",
	"package":   "hostdev",
	"subsystem": "pci",
}

const (
	// How long to poll for the kernel to drop its assignment marker
	// before reattaching a pci-stub device.
	cleanupRetries  = 100
	cleanupInterval = 100 * time.Millisecond
)

// newPciDeviceSet materializes the local working set for a prepare call:
// one configured handle per PCI hostdev, non-PCI subsystems skipped.
func newPciDeviceSet(hostdevs []*config.HostdevDef) (*pci.List, error) {
	list := pci.NewList()

	for _, def := range hostdevs {
		if !def.IsPCI() {
			continue
		}

		dev, err := pci.NewDevice(def.Source.PCI)
		if err != nil {
			return nil, err
		}

		dev.SetManaged(def.Managed)
		if err := dev.SetStubDriver(config.StubDriverForBackend(def.Backend)); err != nil {
			return nil, err
		}

		if err := list.Add(dev); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// activePciDeviceCopies builds a working set holding a copy of every
// device that is both in the active registry and named by hostdevs.
//
// Pre-condition: the active PCI registry is locked.
func (mgr *Manager) activePciDeviceCopies(hostdevs []*config.HostdevDef) (*pci.List, error) {
	list := pci.NewList()

	for _, def := range hostdevs {
		if !def.IsPCI() {
			continue
		}
		if activeDev := mgr.ActivePCIDevices.FindByAddress(def.Source.PCI); activeDev != nil {
			if err := list.AddCopy(activeDev); err != nil {
				return nil, err
			}
		}
	}
	return list, nil
}

// PreparePCIDevices transfers ownership of the PCI hostdevs of a domain
// from the host to the guest identified by (drvName, domName, domUUID).
// On failure every side effect is reverted and the registries are
// unchanged. All phases run with the active-then-inactive registry locks
// held: every detach and reset must complete before any device becomes
// visible as active, because a reset can disturb sibling functions that
// share its slot.
func (mgr *Manager) PreparePCIDevices(ctx context.Context, drvName, domName, domUUID string,
	hostdevs []*config.HostdevDef, flags config.HostdevFlags) (retErr error) {

	span, ctx := hosttrace.Trace(ctx, hostdevLogger(), "PreparePCIDevices",
		hostdevTracingTags, map[string]string{"driver": drvName, "domain": domName})
	defer span.End()

	mgr.ActivePCIDevices.Lock()
	defer mgr.ActivePCIDevices.Unlock()
	mgr.InactivePCIDevices.Lock()
	defer mgr.InactivePCIDevices.Unlock()

	defer func() {
		recordPrepare(config.SubsysPCI, retErr)
		mgr.updateGauges()
	}()

	// Phase 1: materialize the working set.
	pcidevs, err := newPciDeviceSet(hostdevs)
	if err != nil {
		return err
	}

	// Phase 2: validate. Nothing is mutated yet, so a refused device
	// needs no rollback. Network configuration is screened here too:
	// an unsupportable port profile must not cost a detach/reset cycle.
	strictACSCheck := flags&config.StrictACSCheck != 0

	for _, def := range hostdevs {
		if err := netvf.ValidateConfig(def); err != nil {
			return err
		}
	}

	for i := 0; i < pcidevs.Count(); i++ {
		dev := pcidevs.Get(i)

		if !dev.IsAssignable(strictACSCheck) {
			return errors.Wrapf(api.ErrOperationInvalid,
				"PCI device %s is not assignable", dev.Name())
		}

		if other := mgr.ActivePCIDevices.Find(dev); other != nil {
			otherDrv, otherDom := other.UsedBy()
			if otherDrv != "" && otherDom != "" {
				return errors.Wrapf(api.ErrOperationInvalid,
					"PCI device %s is in use by driver %s, domain %s",
					dev.Name(), otherDrv, otherDom)
			}
			return errors.Wrapf(api.ErrOperationInvalid,
				"PCI device %s is already in use", dev.Name())
		}
	}

	lastProcessedVF := -1

	// Phase 3: detach managed devices onto their stub driver.
	detachSpan, _ := hosttrace.Trace(ctx, hostdevLogger(), "detachDevices", hostdevTracingTags)
	for i := 0; i < pcidevs.Count(); i++ {
		dev := pcidevs.Get(i)
		if dev.Managed() {
			if err := dev.Detach(mgr.ActivePCIDevices, nil); err != nil {
				detachSpan.End()
				mgr.rollbackReattach(pcidevs)
				return err
			}
		}
	}
	detachSpan.End()

	// Phase 4: reset every device. This must come strictly after all
	// detaches: a reset may reach sibling functions on the same slot,
	// and resetting next to a still-attached sibling would disturb the
	// host.
	resetSpan, _ := hosttrace.Trace(ctx, hostdevLogger(), "resetDevices", hostdevTracingTags)
	for i := 0; i < pcidevs.Count(); i++ {
		if err := pcidevs.Get(i).Reset(mgr.ActivePCIDevices, mgr.InactivePCIDevices); err != nil {
			resetSpan.End()
			mgr.rollbackReattach(pcidevs)
			return err
		}
	}
	resetSpan.End()

	// Phase 5: now that the VFs are off the host, switch their network
	// identity over to the guest's.
	netSpan, _ := hosttrace.Trace(ctx, hostdevLogger(), "replaceVFNetConfig", hostdevTracingTags)
	for i, def := range hostdevs {
		if !def.IsPCI() {
			continue
		}
		if def.HasNetParent() {
			if err := netvf.Replace(def, domUUID, mgr.StateDir); err != nil {
				netSpan.End()
				mgr.rollbackNetConfig(pcidevs, hostdevs, lastProcessedVF)
				return err
			}
		}
		lastProcessedVF = i
	}
	netSpan.End()

	// Phase 6: mark all devices active.
	for i := 0; i < pcidevs.Count(); i++ {
		if err := mgr.ActivePCIDevices.Add(pcidevs.Get(i)); err != nil {
			mgr.rollbackInactivate(pcidevs, hostdevs, lastProcessedVF)
			return err
		}
	}

	// Phase 7: drop the devices from the inactive registry, a noop for
	// addresses that were never pre-detached.
	for i := 0; i < pcidevs.Count(); i++ {
		mgr.InactivePCIDevices.Del(pcidevs.Get(i).Address())
	}

	// Phase 8: stamp ownership and hand the captured original binding
	// back to the caller for persistence.
	for i := 0; i < pcidevs.Count(); i++ {
		if activeDev := mgr.ActivePCIDevices.Find(pcidevs.Get(i)); activeDev != nil {
			activeDev.SetUsedBy(drvName, domName)
		}
	}
	for _, def := range hostdevs {
		if !def.IsPCI() {
			continue
		}
		if dev := pcidevs.FindByAddress(def.Source.PCI); dev != nil {
			def.OrigStates = dev.OrigStates()
		}
	}

	// Phase 9: the active registry owns the handles now; empty the
	// working set without destroying them.
	prepared := pcidevs.Count()
	for pcidevs.Count() > 0 {
		pcidevs.StealIndex(0)
	}

	hostdevLogger().WithFields(logrus.Fields{
		"driver": drvName,
		"domain": domName,
	}).Infof("prepared %d PCI devices", prepared)
	return nil
}

// rollbackInactivate reverts a partially completed phase 6: every working
// set handle that made it into the active registry is stolen back, then
// the net config and detach phases unwind.
func (mgr *Manager) rollbackInactivate(pcidevs *pci.List, hostdevs []*config.HostdevDef, lastProcessedVF int) {
	for i := 0; i < pcidevs.Count(); i++ {
		mgr.ActivePCIDevices.Steal(pcidevs.Get(i))
	}
	mgr.rollbackNetConfig(pcidevs, hostdevs, lastProcessedVF)
}

// rollbackNetConfig restores host VF network state for the hostdevs
// processed before the failure, then unwinds the detach phase. The bound
// is strict: the VF at lastProcessedVF itself was replaced successfully
// but is intentionally not restored here, matching long-standing
// behavior callers depend on.
func (mgr *Manager) rollbackNetConfig(pcidevs *pci.List, hostdevs []*config.HostdevDef, lastProcessedVF int) {
	for i := 0; lastProcessedVF != -1 && i < lastProcessedVF; i++ {
		if err := netvf.Restore(hostdevs[i], mgr.StateDir, ""); err != nil {
			hostdevLogger().WithError(err).Warn(
				"failed to restore VF network config during rollback")
		}
	}
	mgr.rollbackReattach(pcidevs)
}

// rollbackReattach gives every working set device back to the host, best
// effort. Devices that were never detached pass through unchanged.
func (mgr *Manager) rollbackReattach(pcidevs *pci.List) {
	for i := 0; i < pcidevs.Count(); i++ {
		dev := pcidevs.Get(i)
		// This does not rebind the original driver by itself, it
		// unbinds from the stub and lets the captured original state
		// decide on a reprobe.
		if err := dev.Reattach(mgr.ActivePCIDevices, nil); err != nil {
			hostdevLogger().WithError(err).WithField("device", dev.Name()).
				Error("failed to re-attach PCI device during rollback")
		}
	}
}

// ReAttachPCIDevices returns the domain's PCI hostdevs to the host. The
// call is void and best-effort: devices owned by another guest are left
// alone, every per-device failure is logged and the remaining devices
// are still processed. oldStateDir is the legacy VF-state location
// consulted when a blob is not under the manager's state directory.
func (mgr *Manager) ReAttachPCIDevices(ctx context.Context, drvName, domName string,
	hostdevs []*config.HostdevDef, oldStateDir string) {

	span, _ := hosttrace.Trace(ctx, hostdevLogger(), "ReAttachPCIDevices",
		hostdevTracingTags, map[string]string{"driver": drvName, "domain": domName})
	defer span.End()

	mgr.ActivePCIDevices.Lock()
	defer mgr.ActivePCIDevices.Unlock()
	mgr.InactivePCIDevices.Lock()
	defer mgr.InactivePCIDevices.Unlock()

	defer func() {
		recordReattach(config.SubsysPCI)
		mgr.updateGauges()
	}()

	pcidevs, err := mgr.activePciDeviceCopies(hostdevs)
	if err != nil {
		hostdevLogger().WithError(err).Error("failed to build PCI device list")
		return
	}

	// Devices used by another domain are dropped from the working set;
	// everything else leaves the active registry first, so a concurrent
	// observer never sees a device as active while it is being reset.
	for i := 0; i < pcidevs.Count(); {
		dev := pcidevs.Get(i)
		if activeDev := mgr.ActivePCIDevices.Find(dev); activeDev != nil {
			usedByDrv, usedByDom := activeDev.UsedBy()
			if usedByDrv != drvName || usedByDom != domName {
				pcidevs.Del(dev.Address())
				continue
			}
		}
		mgr.ActivePCIDevices.Del(dev.Address())
		i++
	}

	// Unset VF MAC, VLAN and port profile before reset and reattach.
	var restoreErrs *multierror.Error
	for _, def := range hostdevs {
		if err := netvf.Restore(def, mgr.StateDir, oldStateDir); err != nil {
			restoreErrs = multierror.Append(restoreErrs, err)
		}
	}
	if err := restoreErrs.ErrorOrNil(); err != nil {
		hostdevLogger().WithError(err).Warn("failed to restore VF network config")
	}

	for i := 0; i < pcidevs.Count(); i++ {
		dev := pcidevs.Get(i)
		if err := dev.Reset(mgr.ActivePCIDevices, mgr.InactivePCIDevices); err != nil {
			hostdevLogger().WithError(err).WithField("device", dev.Name()).
				Error("failed to reset PCI device")
		}
	}

	for pcidevs.Count() > 0 {
		mgr.reattachPCIDevice(pcidevs.StealIndex(0))
	}
}

// reattachPCIDevice hands one device, already removed from the active
// registry, back to the host. All errors are swallowed after logging.
//
// Pre-condition: both PCI registries are locked.
func (mgr *Manager) reattachPCIDevice(dev *pci.Device) {
	// An unmanaged device that was attached to a guest successfully
	// must have been inactive before, so it goes back there.
	if !dev.Managed() {
		if err := mgr.InactivePCIDevices.Add(dev); err != nil {
			hostdevLogger().WithError(err).WithField("device", dev.Name()).
				Warn("dropping unmanaged device handle")
		}
		return
	}

	// Give a KVM legacy assignment time to release the device.
	if dev.StubDriver() == config.PCIStubDriver {
		for retries := cleanupRetries; retries > 0 && dev.WaitForCleanup("kvm_assigned_device"); retries-- {
			time.Sleep(cleanupInterval)
		}
	}

	if err := dev.Reattach(mgr.ActivePCIDevices, mgr.InactivePCIDevices); err != nil {
		hostdevLogger().WithError(err).WithField("device", dev.Name()).
			Error("failed to re-attach PCI device")
	}
}
