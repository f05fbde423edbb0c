// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hostvirt/hostdev/pkg/device/config"
)

// testSysfs is a scratch /sys/bus/pci replica the facade is pointed at
// for the duration of one test.
type testSysfs struct {
	t    *testing.T
	root string
}

func newTestSysfs(t *testing.T) *testSysfs {
	root := t.TempDir()
	s := &testSysfs{t: t, root: root}

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

	return s
}

func (s *testSysfs) addDriver(name string) {
	dir := filepath.Join(s.root, "drivers", name)
	require.NoError(s.t, os.MkdirAll(dir, 0755))
	for _, f := range []string{"bind", "unbind"} {
		require.NoError(s.t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}
}

type testDevice struct {
	addr   string
	driver string
	group  string
	class  string
	// noReset suppresses the sysfs reset file, modelling a function
	// without FLR support.
	noReset bool
}

func (s *testSysfs) addDevice(td testDevice) {
	dir := filepath.Join(s.root, "devices", td.addr)
	require.NoError(s.t, os.MkdirAll(dir, 0755))

	class := td.class
	if class == "" {
		class = "0x020000"
	}
	require.NoError(s.t, os.WriteFile(filepath.Join(dir, "class"), []byte(class+"\n"), 0644))
	require.NoError(s.t, os.WriteFile(filepath.Join(dir, "driver_override"), nil, 0644))
	if !td.noReset {
		require.NoError(s.t, os.WriteFile(filepath.Join(dir, "reset"), nil, 0644))
	}

	if td.driver != "" {
		require.NoError(s.t, os.Symlink(
			filepath.Join("..", "..", "drivers", td.driver),
			filepath.Join(dir, "driver")))
	}

	if td.group != "" {
		groupDevs := filepath.Join(s.root, "iommu_groups", td.group, "devices")
		require.NoError(s.t, os.MkdirAll(groupDevs, 0755))
		require.NoError(s.t, os.Symlink(dir, filepath.Join(groupDevs, td.addr)))
		require.NoError(s.t, os.Symlink(
			filepath.Join("..", "..", "iommu_groups", td.group),
			filepath.Join(dir, "iommu_group")))
	}
}

// addVirtualFunction wires vfAddr as VF idx of pfAddr, with pfNetDev as
// the PF's netdev. Both devices must have been added already.
func (s *testSysfs) addVirtualFunction(pfAddr, vfAddr string, idx int, pfNetDev string) {
	pfDir := filepath.Join(s.root, "devices", pfAddr)
	vfDir := filepath.Join(s.root, "devices", vfAddr)

	require.NoError(s.t, os.MkdirAll(filepath.Join(pfDir, "net", pfNetDev), 0755))
	require.NoError(s.t, os.Symlink(
		filepath.Join("..", pfAddr), filepath.Join(vfDir, "physfn")))
	require.NoError(s.t, os.Symlink(
		filepath.Join("..", vfAddr), filepath.Join(pfDir, fmt.Sprintf("virtfn%d", idx))))
}

func (s *testSysfs) readDeviceFile(addr, file string) string {
	buf, err := os.ReadFile(filepath.Join(s.root, "devices", addr, file))
	require.NoError(s.t, err)
	return string(buf)
}

func (s *testSysfs) readProbeFile() string {
	buf, err := os.ReadFile(filepath.Join(s.root, "drivers_probe"))
	require.NoError(s.t, err)
	return string(buf)
}

func mustAddr(t *testing.T, addrStr string) config.PciAddress {
	addr, err := config.ParsePciAddress(addrStr)
	require.NoError(t, err)
	return addr
}
