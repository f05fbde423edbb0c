// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostdev

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/hostvirt/hostdev/pkg/device/config"
	"github.com/hostvirt/hostdev/pkg/device/netvf"
)

// testHost is a manager wired to a scratch sysfs replica.
type testHost struct {
	t    *testing.T
	root string
	mgr  *Manager
}

func newTestHost(t *testing.T) *testHost {
	root := t.TempDir()
	h := &testHost{t: t, root: root}

	for _, dir := range []string{"devices", "drivers", "iommu_groups"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "drivers_probe"), nil, 0644))

	oldDevices := config.SysBusPciDevicesPath
	oldDrivers := config.SysBusPciDriversPath
	oldProbe := config.SysBusPciDriversProbePath
	oldIommu := config.SysIOMMUGroupPath

	config.SysBusPciDevicesPath = filepath.Join(root, "devices")
	config.SysBusPciDriversPath = filepath.Join(root, "drivers")
	config.SysBusPciDriversProbePath = filepath.Join(root, "drivers_probe")
	config.SysIOMMUGroupPath = filepath.Join(root, "iommu_groups")

	t.Cleanup(func() {
		config.SysBusPciDevicesPath = oldDevices
		config.SysBusPciDriversPath = oldDrivers
		config.SysBusPciDriversProbePath = oldProbe
		config.SysIOMMUGroupPath = oldIommu
	})

	h.addDriver(config.VFIOPCIDriver)
	h.addDriver(config.PCIStubDriver)
	h.addDriver("e1000e")

	mgr, err := NewManager(filepath.Join(root, "state"))
	require.NoError(t, err)
	h.mgr = mgr

	return h
}

func (h *testHost) addDriver(name string) {
	dir := filepath.Join(h.root, "drivers", name)
	require.NoError(h.t, os.MkdirAll(dir, 0755))
	for _, f := range []string{"bind", "unbind"} {
		require.NoError(h.t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}
}

type hostDevice struct {
	addr    string
	driver  string
	group   string
	noReset bool
}

func (h *testHost) addDevice(hd hostDevice) {
	dir := filepath.Join(h.root, "devices", hd.addr)
	require.NoError(h.t, os.MkdirAll(dir, 0755))

	require.NoError(h.t, os.WriteFile(filepath.Join(dir, "class"), []byte("0x020000\n"), 0644))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, "driver_override"), nil, 0644))
	if !hd.noReset {
		require.NoError(h.t, os.WriteFile(filepath.Join(dir, "reset"), nil, 0644))
	}

	driver := hd.driver
	if driver == "" {
		driver = "e1000e"
	}
	require.NoError(h.t, os.Symlink(
		filepath.Join("..", "..", "drivers", driver),
		filepath.Join(dir, "driver")))

	group := hd.group
	if group == "" {
		group = hd.addr
	}
	groupDevs := filepath.Join(h.root, "iommu_groups", group, "devices")
	require.NoError(h.t, os.MkdirAll(groupDevs, 0755))
	require.NoError(h.t, os.Symlink(dir, filepath.Join(groupDevs, hd.addr)))
	require.NoError(h.t, os.Symlink(
		filepath.Join("..", "..", "iommu_groups", group),
		filepath.Join(dir, "iommu_group")))
}

func (h *testHost) addVirtualFunction(pfAddr, vfAddr string, idx int, pfNetDev string) {
	pfDir := filepath.Join(h.root, "devices", pfAddr)
	vfDir := filepath.Join(h.root, "devices", vfAddr)

	require.NoError(h.t, os.MkdirAll(filepath.Join(pfDir, "net", pfNetDev), 0755))
	require.NoError(h.t, os.Symlink(
		filepath.Join("..", pfAddr), filepath.Join(vfDir, "physfn")))
	require.NoError(h.t, os.Symlink(
		filepath.Join("..", vfAddr), filepath.Join(pfDir, fmt.Sprintf("virtfn%d", idx))))
}

func (h *testHost) deviceFile(addr, file string) string {
	buf, err := os.ReadFile(filepath.Join(h.root, "devices", addr, file))
	require.NoError(h.t, err)
	return string(buf)
}

func pciHostdev(t *testing.T, addrStr string, managed bool) *config.HostdevDef {
	addr, err := config.ParsePciAddress(addrStr)
	require.NoError(t, err)
	return &config.HostdevDef{
		Mode:    config.HostdevModeSubsys,
		Source:  config.HostdevSource{Type: config.SubsysPCI, PCI: addr},
		Managed: managed,
		Backend: config.PCIBackendVFIO,
	}
}

// fakeNetlinkOps mirrors the netvf test double: VF programming is
// recorded, never sent to a kernel.
type fakeNetlinkOps struct {
	link  netlink.Link
	macs  map[int]net.HardwareAddr
	vlans map[int]int
}

func installFakeNetlink(t *testing.T, pfNetDev string, vfs ...netlink.VfInfo) *fakeNetlinkOps {
	fake := &fakeNetlinkOps{
		link: &netlink.Device{
			LinkAttrs: netlink.LinkAttrs{Name: pfNetDev, Vfs: vfs},
		},
		macs:  make(map[int]net.HardwareAddr),
		vlans: make(map[int]int),
	}
	prev := netvf.SetNetlinkOps(fake)
	t.Cleanup(func() { netvf.SetNetlinkOps(prev) })
	return fake
}

func (f *fakeNetlinkOps) LinkByName(name string) (netlink.Link, error) {
	return f.link, nil
}

func (f *fakeNetlinkOps) LinkSetVfHardwareAddr(link netlink.Link, vf int, hwaddr net.HardwareAddr) error {
	f.macs[vf] = hwaddr
	return nil
}

func (f *fakeNetlinkOps) LinkSetVfVlan(link netlink.Link, vf, vlan int) error {
	f.vlans[vf] = vlan
	return nil
}

// registrySnapshot captures the addresses in both PCI registries for
// round-trip comparisons.
func registrySnapshot(mgr *Manager) (active, inactive []string) {
	for i := 0; i < mgr.ActivePCIDevices.Count(); i++ {
		active = append(active, mgr.ActivePCIDevices.Get(i).Name())
	}
	for i := 0; i < mgr.InactivePCIDevices.Count(); i++ {
		inactive = append(inactive, mgr.InactivePCIDevices.Get(i).Name())
	}
	return active, inactive
}
