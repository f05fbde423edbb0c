// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostdev

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
	"github.com/hostvirt/hostdev/pkg/device/usb"
	"github.com/hostvirt/hostdev/pkg/hosttrace"
)

var usbTracingTags = map[string]string{
	"source":    "runtime",
	"package":   "hostdev",
	"subsystem": "usb",
}

// PrepareUSBDevices claims the USB hostdevs of a domain. USB assignment
// needs no driver rebinding or reset, so the pipeline reduces to the
// registry pattern: validate exclusivity, then activate atomically.
func (mgr *Manager) PrepareUSBDevices(ctx context.Context, drvName, domName string,
	hostdevs []*config.HostdevDef) (retErr error) {

	span, _ := hosttrace.Trace(ctx, hostdevLogger(), "PrepareUSBDevices",
		usbTracingTags, map[string]string{"driver": drvName, "domain": domName})
	defer span.End()

	mgr.ActiveUSBDevices.Lock()
	defer mgr.ActiveUSBDevices.Unlock()

	defer func() {
		recordPrepare(config.SubsysUSB, retErr)
		mgr.updateGauges()
	}()

	usbdevs := usb.NewList()
	for _, def := range hostdevs {
		if def.Mode != config.HostdevModeSubsys || def.Source.Type != config.SubsysUSB {
			continue
		}
		if err := usbdevs.Add(usb.NewDevice(def.Source.USB)); err != nil {
			return err
		}
	}

	for i := 0; i < usbdevs.Count(); i++ {
		dev := usbdevs.Get(i)
		if other := mgr.ActiveUSBDevices.Find(dev.Bus(), dev.Devno()); other != nil {
			otherDrv, otherDom := other.UsedBy()
			return errors.Wrapf(api.ErrOperationInvalid,
				"USB device %s is in use by driver %s, domain %s",
				dev.Name(), otherDrv, otherDom)
		}
	}

	added := 0
	for i := 0; i < usbdevs.Count(); i++ {
		dev := usbdevs.Get(i)
		if err := mgr.ActiveUSBDevices.Add(dev); err != nil {
			for j := 0; j < added; j++ {
				d := usbdevs.Get(j)
				mgr.ActiveUSBDevices.Del(d.Bus(), d.Devno())
			}
			return err
		}
		dev.SetUsedBy(drvName, domName)
		added++
	}

	for usbdevs.Count() > 0 {
		usbdevs.StealIndex(0)
	}
	return nil
}

// ReAttachUSBDevices releases the domain's USB hostdevs. Devices owned
// by another guest are left alone; the call never fails.
func (mgr *Manager) ReAttachUSBDevices(ctx context.Context, drvName, domName string,
	hostdevs []*config.HostdevDef) {

	span, _ := hosttrace.Trace(ctx, hostdevLogger(), "ReAttachUSBDevices",
		usbTracingTags, map[string]string{"driver": drvName, "domain": domName})
	defer span.End()

	mgr.ActiveUSBDevices.Lock()
	defer mgr.ActiveUSBDevices.Unlock()

	defer func() {
		recordReattach(config.SubsysUSB)
		mgr.updateGauges()
	}()

	for _, def := range hostdevs {
		if def.Mode != config.HostdevModeSubsys || def.Source.Type != config.SubsysUSB {
			continue
		}
		dev := mgr.ActiveUSBDevices.Find(def.Source.USB.Bus, def.Source.USB.Devno)
		if dev == nil {
			continue
		}
		usedByDrv, usedByDom := dev.UsedBy()
		if usedByDrv != drvName || usedByDom != domName {
			hostdevLogger().WithField("device", dev.Name()).Warnf(
				"not removing USB device used by driver %s, domain %s",
				usedByDrv, usedByDom)
			continue
		}
		mgr.ActiveUSBDevices.Del(def.Source.USB.Bus, def.Source.USB.Devno)
	}
}
