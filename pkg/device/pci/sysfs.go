// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

// writeToFile writes a sysfs control file in one shot, without creating it.
func writeToFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (dev *Device) driverOverridePath() string {
	return filepath.Join(dev.sysfsPath(), "driver_override")
}

func (dev *Device) driverUnbindPath() string {
	return filepath.Join(dev.sysfsPath(), "driver", "unbind")
}

// currentDriver resolves the driver the device is bound to, empty when it
// is unbound.
func (dev *Device) currentDriver() (string, error) {
	link, err := os.Readlink(filepath.Join(dev.sysfsPath(), "driver"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(api.ErrOperationFailed,
			"failed to resolve driver of device %s: %v", dev.name, err)
	}
	return filepath.Base(link), nil
}

// stubDriverPresent verifies the stub driver is loaded, pointing the admin
// at the missing module otherwise.
func stubDriverPresent(name string) error {
	path := filepath.Join(config.SysBusPciDriversPath, name)
	if err := unix.Access(path, unix.F_OK); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"stub driver %s is not loaded (modprobe %s?)", name, name)
	}
	return nil
}
