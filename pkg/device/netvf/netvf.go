// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package netvf

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
	"github.com/hostvirt/hostdev/pkg/device/pci"
)

func netvfLogger() *logrus.Entry {
	return api.DeviceLogger().WithField("subsystem", "netvf")
}

// NetlinkOps is the slice of netlink the hook needs to read and program
// VF state through a PF link. Tests and embedders without a real SR-IOV
// NIC install their own with SetNetlinkOps.
type NetlinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetVfHardwareAddr(link netlink.Link, vf int, hwaddr net.HardwareAddr) error
	LinkSetVfVlan(link netlink.Link, vf, vlan int) error
}

type defaultNetlinkOps struct{}

func (defaultNetlinkOps) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (defaultNetlinkOps) LinkSetVfHardwareAddr(link netlink.Link, vf int, hwaddr net.HardwareAddr) error {
	return netlink.LinkSetVfHardwareAddr(link, vf, hwaddr)
}

func (defaultNetlinkOps) LinkSetVfVlan(link netlink.Link, vf, vlan int) error {
	return netlink.LinkSetVfVlan(link, vf, vlan)
}

var nlOps NetlinkOps = defaultNetlinkOps{}

// SetNetlinkOps installs the netlink primitive and returns the previous
// one.
func SetNetlinkOps(ops NetlinkOps) NetlinkOps {
	prev := nlOps
	nlOps = ops
	return prev
}

// savedConfig is the host-side VF state stashed in the manager state
// directory while a guest owns the VF.
type savedConfig struct {
	MAC  string `toml:"mac"`
	Vlan int    `toml:"vlan"`
}

// savedConfigPath keys the blob by VF identity: PF netdev name + VF index.
func savedConfigPath(stateDir, pfNetDev string, vfIndex int) string {
	return filepath.Join(stateDir, fmt.Sprintf("%s_vf%d", pfNetDev, vfIndex))
}

// ValidateConfig checks the static parts of a hostdev network definition
// without touching host state, so the pipeline can reject unsupportable
// configurations before it starts detaching devices. Non-net hostdevs
// pass trivially.
func ValidateConfig(def *config.HostdevDef) error {
	if !def.HasNetParent() {
		return nil
	}

	parent := def.Parent
	if parent.VirtPort != nil {
		if parent.Vlan != nil {
			return errors.Wrapf(api.ErrConfigUnsupported,
				"direct setting of the vlan tag is not allowed "+
					"for hostdev devices using %s mode", parent.VirtPort.Type)
		}
		return checkVirtPortSupported(parent.VirtPort)
	}

	if parent.Vlan != nil {
		if _, err := parent.Vlan.ActualVlanTag(); err != nil {
			return err
		}
	}
	return nil
}

// Replace saves the current host-side MAC/VLAN of the VF under stateDir
// and applies the guest-requested configuration; with a port profile it
// runs the associate primitive instead. The hostdev must be an SR-IOV VF.
func Replace(def *config.HostdevDef, domUUID, stateDir string) error {
	isvf, err := pci.IsVirtualFunction(def.Source.PCI)
	if err != nil {
		return err
	}
	if !isvf {
		return errors.Wrap(api.ErrConfigUnsupported,
			"interface type hostdev is currently supported on "+
				"SR-IOV Virtual Functions only")
	}

	pfNetDev, vfIndex, err := pci.GetVirtualFunctionInfo(def.Source.PCI)
	if err != nil {
		return err
	}

	parent := def.Parent
	if parent.VirtPort != nil {
		if parent.Vlan != nil {
			return errors.Wrapf(api.ErrConfigUnsupported,
				"direct setting of the vlan tag is not allowed "+
					"for hostdev devices using %s mode", parent.VirtPort.Type)
		}
		return configVirtPortProfile(pfNetDev, vfIndex, parent.VirtPort,
			parent.MAC, domUUID, true)
	}

	// Without an explicit VLAN request, tag 0 clears whatever tag the
	// host had on the VF.
	var vlanTag uint16
	if parent.Vlan != nil {
		if vlanTag, err = parent.Vlan.ActualVlanTag(); err != nil {
			return err
		}
	}

	if err := saveNetConfig(pfNetDev, vfIndex, stateDir); err != nil {
		return err
	}
	return applyNetConfig(pfNetDev, vfIndex, parent.MAC, int(vlanTag))
}

// Restore undoes Replace: the port-profile disassociate primitive when a
// profile was used, otherwise the saved blob is read back (falling back
// to oldStateDir for layouts predating the manager state directory) and
// pushed to the VF. A missing blob is a soft error: there is nothing to
// restore.
func Restore(def *config.HostdevDef, stateDir, oldStateDir string) error {
	// Only PCI hostdevs defined through <interface type='hostdev'>
	// carry network state. For all others this is a NOP.
	if !def.HasNetParent() {
		return nil
	}

	isvf, err := pci.IsVirtualFunction(def.Source.PCI)
	if err != nil {
		return err
	}
	if !isvf {
		return errors.Wrap(api.ErrConfigUnsupported,
			"interface type hostdev is currently supported on "+
				"SR-IOV Virtual Functions only")
	}

	pfNetDev, vfIndex, err := pci.GetVirtualFunctionInfo(def.Source.PCI)
	if err != nil {
		return err
	}

	parent := def.Parent
	if parent.VirtPort != nil {
		return configVirtPortProfile(pfNetDev, vfIndex, parent.VirtPort,
			parent.MAC, "", false)
	}

	saved, path, err := readSavedConfig(pfNetDev, vfIndex, stateDir, oldStateDir)
	if err != nil {
		return err
	}
	if saved == nil {
		netvfLogger().WithFields(logrus.Fields{
			"pf": pfNetDev,
			"vf": vfIndex,
		}).Warn("no saved network config for VF, nothing to restore")
		return nil
	}

	mac, err := net.ParseMAC(saved.MAC)
	if err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"corrupt saved config %s: %v", path, err)
	}
	if err := applyNetConfig(pfNetDev, vfIndex, mac, saved.Vlan); err != nil {
		return err
	}

	os.Remove(path)
	return nil
}

// saveNetConfig records the VF's current MAC and VLAN, as reported by its
// PF over netlink, into the state directory.
func saveNetConfig(pfNetDev string, vfIndex int, stateDir string) error {
	link, err := nlOps.LinkByName(pfNetDev)
	if err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to look up physical function %s: %v", pfNetDev, err)
	}

	var current *netlink.VfInfo
	for i := range link.Attrs().Vfs {
		if link.Attrs().Vfs[i].ID == vfIndex {
			current = &link.Attrs().Vfs[i]
			break
		}
	}
	if current == nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"%s does not expose VF %d", pfNetDev, vfIndex)
	}

	path := savedConfigPath(stateDir, pfNetDev, vfIndex)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to create %s: %v", path, err)
	}
	defer f.Close()

	saved := savedConfig{
		MAC:  current.Mac.String(),
		Vlan: current.Vlan,
	}
	if err := toml.NewEncoder(f).Encode(&saved); err != nil {
		os.Remove(path)
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to write %s: %v", path, err)
	}

	netvfLogger().WithFields(logrus.Fields{
		"pf":   pfNetDev,
		"vf":   vfIndex,
		"path": path,
	}).Info("saved VF network config")
	return nil
}

// readSavedConfig loads the blob from stateDir, then oldStateDir. A nil
// config with nil error means neither directory has one.
func readSavedConfig(pfNetDev string, vfIndex int, stateDir, oldStateDir string) (*savedConfig, string, error) {
	for _, dir := range []string{stateDir, oldStateDir} {
		if dir == "" {
			continue
		}
		path := savedConfigPath(dir, pfNetDev, vfIndex)
		var saved savedConfig
		if _, err := toml.DecodeFile(path, &saved); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", errors.Wrapf(api.ErrOperationFailed,
				"failed to read %s: %v", path, err)
		}
		return &saved, path, nil
	}
	return nil, "", nil
}

// applyNetConfig programs the VF through its PF.
func applyNetConfig(pfNetDev string, vfIndex int, mac net.HardwareAddr, vlan int) error {
	link, err := nlOps.LinkByName(pfNetDev)
	if err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to look up physical function %s: %v", pfNetDev, err)
	}

	if len(mac) != 0 {
		if err := nlOps.LinkSetVfHardwareAddr(link, vfIndex, mac); err != nil {
			return errors.Wrapf(api.ErrOperationFailed,
				"failed to set MAC %s on %s VF %d: %v", mac, pfNetDev, vfIndex, err)
		}
	}
	if err := nlOps.LinkSetVfVlan(link, vfIndex, vlan); err != nil {
		return errors.Wrapf(api.ErrOperationFailed,
			"failed to set VLAN %d on %s VF %d: %v", vlan, pfNetDev, vfIndex, err)
	}

	netvfLogger().WithFields(logrus.Fields{
		"pf":   pfNetDev,
		"vf":   vfIndex,
		"mac":  mac.String(),
		"vlan": vlan,
	}).Info("applied VF network config")
	return nil
}
