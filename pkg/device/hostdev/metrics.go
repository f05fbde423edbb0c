// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostdev

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostvirt/hostdev/pkg/device/config"
)

const metricsNamespace = "hostdev"

var (
	prepareTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "prepare_total",
		Help:      "Device prepare operations by subsystem and result.",
	}, []string{"subsystem", "result"})

	reattachTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reattach_total",
		Help:      "Device reattach operations by subsystem.",
	}, []string{"subsystem"})

	registeredDevices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "registered_devices",
		Help:      "Devices currently tracked per registry.",
	}, []string{"registry"})
)

func init() {
	prometheus.MustRegister(prepareTotal, reattachTotal, registeredDevices)
}

func recordPrepare(subsys config.SubsysType, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	prepareTotal.WithLabelValues(string(subsys), result).Inc()
}

func recordReattach(subsys config.SubsysType) {
	reattachTotal.WithLabelValues(string(subsys)).Inc()
}

// updateGauges publishes the registry sizes.
//
// Pre-condition: the caller holds the locks of the registries it
// touched; sizes of the others may lag one operation, which is fine for
// monitoring.
func (mgr *Manager) updateGauges() {
	registeredDevices.WithLabelValues("active_pci").Set(float64(mgr.ActivePCIDevices.Count()))
	registeredDevices.WithLabelValues("inactive_pci").Set(float64(mgr.InactivePCIDevices.Count()))
	registeredDevices.WithLabelValues("active_usb").Set(float64(mgr.ActiveUSBDevices.Count()))
	registeredDevices.WithLabelValues("active_scsi").Set(float64(mgr.ActiveSCSIDevices.Count()))
}
