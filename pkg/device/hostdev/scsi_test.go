// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostdev

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

func scsiHostdev(adapter string, bus, target uint, unit uint64, shareable bool) *config.HostdevDef {
	return &config.HostdevDef{
		Mode: config.HostdevModeSubsys,
		Source: config.HostdevSource{
			Type: config.SubsysSCSI,
			SCSI: config.SCSISource{Adapter: adapter, Bus: bus, Target: target, Unit: unit},
		},
		Shareable: shareable,
	}
}

func TestPrepareSCSIDevicesExclusive(t *testing.T) {
	assert := assert.New(t)
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-A",
		[]*config.HostdevDef{scsiHostdev("scsi_host0", 0, 0, 1, false)}))

	err = mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-B",
		[]*config.HostdevDef{scsiHostdev("scsi_host0", 0, 0, 1, false)})
	assert.True(errors.Is(err, api.ErrOperationInvalid))
	assert.Contains(err.Error(), "driver qemu, domain vm-A")
}

func TestPrepareSCSIDevicesShareable(t *testing.T) {
	assert := assert.New(t)
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	def := func() *config.HostdevDef { return scsiHostdev("scsi_host0", 0, 0, 1, true) }

	require.NoError(t, mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-A",
		[]*config.HostdevDef{def()}))
	require.NoError(t, mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-B",
		[]*config.HostdevDef{def()}))

	require.Equal(t, 1, mgr.ActiveSCSIDevices.Count())
	assert.Len(mgr.ActiveSCSIDevices.Get(0).Owners(), 2)

	// The unit stays active until the last owner lets go.
	mgr.ReAttachSCSIDevices(context.Background(), "qemu", "vm-A", []*config.HostdevDef{def()})
	assert.Equal(1, mgr.ActiveSCSIDevices.Count())

	mgr.ReAttachSCSIDevices(context.Background(), "qemu", "vm-B", []*config.HostdevDef{def()})
	assert.Equal(0, mgr.ActiveSCSIDevices.Count())
}

func TestPrepareSCSIMixedShareability(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-A",
		[]*config.HostdevDef{scsiHostdev("scsi_host0", 0, 0, 1, true)}))

	// A non-shareable claim on a shared unit is refused.
	err = mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-B",
		[]*config.HostdevDef{scsiHostdev("scsi_host0", 0, 0, 1, false)})
	assert.True(t, errors.Is(err, api.ErrOperationInvalid))
}

func TestReAttachSCSIForeignOwner(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	defs := []*config.HostdevDef{scsiHostdev("scsi_host0", 0, 0, 1, false)}
	require.NoError(t, mgr.PrepareSCSIDevices(context.Background(), "qemu", "vm-A", defs))

	mgr.ReAttachSCSIDevices(context.Background(), "qemu", "vm-B", defs)
	assert.Equal(t, 1, mgr.ActiveSCSIDevices.Count())
}
