// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/hostvirt/hostdev/pkg/device/api"
)

// HostdevMode indicates how a host device definition references the device.
type HostdevMode string

const (
	// HostdevModeSubsys references a host subsystem device (PCI/USB/SCSI).
	HostdevModeSubsys HostdevMode = "subsystem"

	// HostdevModeCapabilities references a host capability, not managed here.
	HostdevModeCapabilities HostdevMode = "capabilities"
)

// SubsysType indicates the host subsystem a device belongs to.
type SubsysType string

const (
	// SubsysPCI is a PCI function.
	SubsysPCI SubsysType = "pci"

	// SubsysUSB is a USB device.
	SubsysUSB SubsysType = "usb"

	// SubsysSCSI is a SCSI unit.
	SubsysSCSI SubsysType = "scsi"
)

// PCIBackend selects the stub driver family used while a device is assigned.
type PCIBackend string

const (
	// PCIBackendDefault lets the manager pick, currently KVM.
	PCIBackendDefault PCIBackend = ""

	// PCIBackendKVM uses legacy KVM assignment through pci-stub.
	PCIBackendKVM PCIBackend = "kvm"

	// PCIBackendVFIO uses VFIO assignment through vfio-pci.
	PCIBackendVFIO PCIBackend = "vfio"
)

// Stub driver names matching the backends above.
const (
	VFIOPCIDriver = "vfio-pci"
	PCIStubDriver = "pci-stub"
)

// StubDriverForBackend maps a hostdev backend to the stub driver name.
func StubDriverForBackend(backend PCIBackend) string {
	if backend == PCIBackendVFIO {
		return VFIOPCIDriver
	}
	return PCIStubDriver
}

// VPortType enumerates the virtual port profile flavors a hostdev network
// interface may carry. The matrix is kept exhaustive so unsupported arms
// fail deterministically.
type VPortType string

const (
	VPortTypeNone        VPortType = ""
	VPortTypeOpenVSwitch VPortType = "openvswitch"
	VPortType8021Qbg     VPortType = "802.1Qbg"
	VPortType8021Qbh     VPortType = "802.1Qbh"
	VPortTypeMidonet     VPortType = "midonet"
)

// VPortProfile is the external switch identity negotiated for a VF.
type VPortProfile struct {
	Type      VPortType
	ProfileID string

	// 802.1Qbg tuple, carried for completeness.
	ManagerID  uint8
	TypeID     uint32
	TypeIDVer  uint8
	InstanceID string
}

// VlanSpec is the VLAN configuration requested for a hostdev interface.
type VlanSpec struct {
	Tags  []uint16
	Trunk bool
}

// ActualVlanTag extracts the single VLAN tag requested for a VF, verifying
// the configuration is expressible on SR-IOV hardware.
func (v *VlanSpec) ActualVlanTag() (uint16, error) {
	if len(v.Tags) != 1 || v.Trunk {
		return 0, errors.Wrap(api.ErrConfigUnsupported,
			"vlan trunking is not supported by SR-IOV network devices")
	}
	return v.Tags[0], nil
}

// NetParent describes the <interface type='hostdev'> parent of a PCI
// hostdev: the guest-visible MAC plus optional VLAN and port profile.
type NetParent struct {
	MAC      net.HardwareAddr
	Vlan     *VlanSpec
	VirtPort *VPortProfile
}

// PCIOrigStates records what must be undone when the device is given back
// to the host: whether to unbind from the stub driver, remove the stub
// slot registration, and reprobe host drivers.
type PCIOrigStates struct {
	UnbindFromStub bool
	RemoveSlot     bool
	Reprobe        bool

	// OrigDriver is the host driver the device was bound to before
	// detach, empty if it was unbound.
	OrigDriver string
}

// USBSource identifies a USB device by bus and device number.
type USBSource struct {
	Bus     uint
	Devno   uint
	Vendor  uint16
	Product uint16
}

func (s USBSource) String() string {
	return fmt.Sprintf("%03d:%03d", s.Bus, s.Devno)
}

// SCSISource identifies a SCSI unit.
type SCSISource struct {
	Adapter string
	Bus     uint
	Target  uint
	Unit    uint64
}

func (s SCSISource) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", s.Adapter, s.Bus, s.Target, s.Unit)
}

// HostdevSource is the subsystem-specific address of a host device.
type HostdevSource struct {
	Type SubsysType
	PCI  PciAddress
	USB  USBSource
	SCSI SCSISource
}

// HostdevDef is one host device requested by a domain definition. It is
// provided by the domain-definition collaborator; the manager reads
// everything and writes back only OrigStates.
type HostdevDef struct {
	Mode    HostdevMode
	Source  HostdevSource
	Managed bool
	Backend PCIBackend

	// Shareable permits concurrent assignment, honored for SCSI only.
	Shareable bool

	// Parent is set when the hostdev was defined through
	// <interface type='hostdev'>, carrying the VF network identity.
	Parent *NetParent

	// OrigStates is populated by a successful PreparePCIDevices so the
	// caller can persist it alongside the domain.
	OrigStates PCIOrigStates
}

// IsPCI tells whether the definition names a PCI subsystem device.
func (def *HostdevDef) IsPCI() bool {
	return def.Mode == HostdevModeSubsys && def.Source.Type == SubsysPCI
}

// HasNetParent tells whether the definition came from a hostdev-type
// network interface.
func (def *HostdevDef) HasNetParent() bool {
	return def.IsPCI() && def.Parent != nil
}

// HostdevFlags modify pipeline behavior.
type HostdevFlags uint

const (
	// StrictACSCheck makes assignability enforce full ACS isolation on
	// the device's upstream path.
	StrictACSCheck HostdevFlags = 1 << iota
)

// Defined as variables instead of consts so tests can point the facade at
// a scratch sysfs tree.
var (
	// SysBusPciDevicesPath is static string of /sys/bus/pci/devices
	SysBusPciDevicesPath = "/sys/bus/pci/devices"

	// SysBusPciDriversPath is static string of /sys/bus/pci/drivers
	SysBusPciDriversPath = "/sys/bus/pci/drivers"

	// SysBusPciDriversProbePath is static string of /sys/bus/pci/drivers_probe
	SysBusPciDriversProbePath = "/sys/bus/pci/drivers_probe"

	// SysIOMMUGroupPath is static string of /sys/kernel/iommu_groups
	SysIOMMUGroupPath = "/sys/kernel/iommu_groups"
)
