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
	"github.com/hostvirt/hostdev/pkg/device/scsi"
	"github.com/hostvirt/hostdev/pkg/hosttrace"
)

var scsiTracingTags = map[string]string{
	"source":    "runtime",
	"package":   "hostdev",
	"subsystem": "scsi",
}

// PrepareSCSIDevices claims the SCSI hostdevs of a domain. A shareable
// unit may be claimed by several guests at once, each recorded as an
// owner; a non-shareable unit follows strict exclusivity.
func (mgr *Manager) PrepareSCSIDevices(ctx context.Context, drvName, domName string,
	hostdevs []*config.HostdevDef) (retErr error) {

	span, _ := hosttrace.Trace(ctx, hostdevLogger(), "PrepareSCSIDevices",
		scsiTracingTags, map[string]string{"driver": drvName, "domain": domName})
	defer span.End()

	mgr.ActiveSCSIDevices.Lock()
	defer mgr.ActiveSCSIDevices.Unlock()

	defer func() {
		recordPrepare(config.SubsysSCSI, retErr)
		mgr.updateGauges()
	}()

	var claims []scsiClaim
	for _, def := range hostdevs {
		if def.Mode != config.HostdevModeSubsys || def.Source.Type != config.SubsysSCSI {
			continue
		}

		existing := mgr.ActiveSCSIDevices.Find(def.Source.SCSI)
		if existing != nil {
			if !existing.Shareable() || !def.Shareable {
				owners := existing.Owners()
				if len(owners) > 0 {
					return errors.Wrapf(api.ErrOperationInvalid,
						"SCSI device %s is in use by driver %s, domain %s",
						existing.Name(), owners[0].DrvName, owners[0].DomName)
				}
				return errors.Wrapf(api.ErrOperationInvalid,
					"SCSI device %s is already in use", existing.Name())
			}
		}
		claims = append(claims, scsiClaim{def: def, existing: existing})
	}

	var done []scsiClaim
	for _, c := range claims {
		dev := c.existing
		if dev == nil {
			dev = scsi.NewDevice(c.def.Source.SCSI, c.def.Shareable)
			if err := mgr.ActiveSCSIDevices.Add(dev); err != nil {
				mgr.rollbackSCSIClaims(drvName, domName, done)
				return err
			}
		}
		dev.AddOwner(drvName, domName)
		done = append(done, c)
	}
	return nil
}

type scsiClaim struct {
	def      *config.HostdevDef
	existing *scsi.Device
}

func (mgr *Manager) rollbackSCSIClaims(drvName, domName string, done []scsiClaim) {
	for _, c := range done {
		dev := mgr.ActiveSCSIDevices.Find(c.def.Source.SCSI)
		if dev == nil {
			continue
		}
		if inUse := dev.RemoveOwner(drvName, domName); !inUse {
			mgr.ActiveSCSIDevices.Del(c.def.Source.SCSI)
		}
	}
}

// ReAttachSCSIDevices releases the domain's ownership of its SCSI
// hostdevs; a shared unit stays active while other guests use it. The
// call never fails.
func (mgr *Manager) ReAttachSCSIDevices(ctx context.Context, drvName, domName string,
	hostdevs []*config.HostdevDef) {

	span, _ := hosttrace.Trace(ctx, hostdevLogger(), "ReAttachSCSIDevices",
		scsiTracingTags, map[string]string{"driver": drvName, "domain": domName})
	defer span.End()

	mgr.ActiveSCSIDevices.Lock()
	defer mgr.ActiveSCSIDevices.Unlock()

	defer func() {
		recordReattach(config.SubsysSCSI)
		mgr.updateGauges()
	}()

	for _, def := range hostdevs {
		if def.Mode != config.HostdevModeSubsys || def.Source.Type != config.SubsysSCSI {
			continue
		}
		dev := mgr.ActiveSCSIDevices.Find(def.Source.SCSI)
		if dev == nil {
			continue
		}
		if !dev.OwnedBy(drvName, domName) {
			hostdevLogger().WithField("device", dev.Name()).Warn(
				"not removing SCSI device owned by another domain")
			continue
		}
		if inUse := dev.RemoveOwner(drvName, domName); !inUse {
			mgr.ActiveSCSIDevices.Del(def.Source.SCSI)
		}
	}
}
