// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

// IsVirtualFunction reports whether the function at addr is an SR-IOV VF,
// decided by the physfn link its PF maintains.
func IsVirtualFunction(addr config.PciAddress) (bool, error) {
	physfn := filepath.Join(config.SysBusPciDevicesPath, addr.String(), "physfn")
	if _, err := os.Lstat(physfn); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(api.ErrOperationFailed,
			"failed to probe %s for SR-IOV: %v", addr, err)
	}
	return true, nil
}

// GetVirtualFunctionInfo resolves the PF netdev name and the VF index of
// the VF at addr. Both are needed to key the saved network state and to
// program the VF through its PF.
func GetVirtualFunctionInfo(addr config.PciAddress) (pfNetDev string, vfIndex int, err error) {
	devPath := filepath.Join(config.SysBusPciDevicesPath, addr.String())

	pfPath, err := filepath.EvalSymlinks(filepath.Join(devPath, "physfn"))
	if err != nil {
		return "", -1, errors.Wrapf(api.ErrOperationFailed,
			"failed to resolve physical function of %s: %v", addr, err)
	}

	pfNetDev, err = netName(pfPath)
	if err != nil {
		return "", -1, errors.Wrapf(api.ErrOperationFailed,
			"physical function of %s has no network device: %v", addr, err)
	}

	vfIndex, err = virtualFunctionIndex(pfPath, addr.String())
	if err != nil {
		return "", -1, err
	}
	return pfNetDev, vfIndex, nil
}

// GetNetName returns the netdev name of the function at addr, used for
// non-VF network hostdevs.
func GetNetName(addr config.PciAddress) (string, error) {
	name, err := netName(filepath.Join(config.SysBusPciDevicesPath, addr.String()))
	if err != nil {
		return "", errors.Wrapf(api.ErrOperationFailed,
			"device %s has no network device: %v", addr, err)
	}
	return name, nil
}

func netName(devPath string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(devPath, "net"))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("empty net directory under %s", devPath)
	}
	return entries[0].Name(), nil
}

// virtualFunctionIndex finds which virtfn link of the PF points back at
// the VF name.
func virtualFunctionIndex(pfPath, vfName string) (int, error) {
	entries, err := os.ReadDir(pfPath)
	if err != nil {
		return -1, errors.Wrapf(api.ErrOperationFailed,
			"failed to scan physical function %s: %v", pfPath, err)
	}

	for _, e := range entries {
		var idx int
		if n, _ := fmt.Sscanf(e.Name(), "virtfn%d", &idx); n != 1 {
			continue
		}
		target, err := os.Readlink(filepath.Join(pfPath, e.Name()))
		if err != nil {
			continue
		}
		if filepath.Base(target) == vfName {
			return idx, nil
		}
	}
	return -1, errors.Wrapf(api.ErrInternal,
		"no virtfn link for %s under %s", vfName, pfPath)
}
