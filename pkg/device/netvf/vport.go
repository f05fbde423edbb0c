// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package netvf

import (
	"net"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
)

// PortProfileOps is the port-profile negotiation primitive. Association
// talks to the upstream switch, which needs a host-specific agent; the
// embedding process installs one with SetPortProfileOps.
type PortProfileOps interface {
	Associate(pfNetDev string, vfIndex int, profile *config.VPortProfile,
		mac net.HardwareAddr, domUUID string) error
	Disassociate(pfNetDev string, vfIndex int, profile *config.VPortProfile,
		mac net.HardwareAddr) error
}

var portProfileOps PortProfileOps = noPortProfileOps{}

// SetPortProfileOps installs the port-profile primitive and returns the
// previous one.
func SetPortProfileOps(ops PortProfileOps) PortProfileOps {
	prev := portProfileOps
	portProfileOps = ops
	return prev
}

type noPortProfileOps struct{}

func (noPortProfileOps) Associate(pfNetDev string, vfIndex int, profile *config.VPortProfile,
	mac net.HardwareAddr, domUUID string) error {
	return errors.Wrap(api.ErrOperationFailed,
		"no 802.1Qbh port-profile agent is configured on this host")
}

func (noPortProfileOps) Disassociate(pfNetDev string, vfIndex int, profile *config.VPortProfile,
	mac net.HardwareAddr) error {
	return errors.Wrap(api.ErrOperationFailed,
		"no 802.1Qbh port-profile agent is configured on this host")
}

// checkVirtPortSupported keeps the virtual-port matrix exhaustive: one
// arm is implemented, every other named flavor fails the same way.
func checkVirtPortSupported(profile *config.VPortProfile) error {
	switch profile.Type {
	case config.VPortType8021Qbh:
		return nil
	case config.VPortTypeNone,
		config.VPortTypeOpenVSwitch,
		config.VPortType8021Qbg,
		config.VPortTypeMidonet:
		return errors.Wrapf(api.ErrConfigUnsupported,
			"virtualport type %s is currently not supported on "+
				"interfaces of type hostdev", profile.Type)
	default:
		return errors.Wrapf(api.ErrConfigUnsupported,
			"unknown virtualport type %s", profile.Type)
	}
}

// configVirtPortProfile dispatches association or disassociation for the
// supported profile flavor.
func configVirtPortProfile(pfNetDev string, vfIndex int, profile *config.VPortProfile,
	mac net.HardwareAddr, domUUID string, associate bool) error {
	if err := checkVirtPortSupported(profile); err != nil {
		return err
	}
	if associate {
		return portProfileOps.Associate(pfNetDev, vfIndex, profile, mac, domUUID)
	}
	return portProfileOps.Disassociate(pfNetDev, vfIndex, profile, mac)
}
