// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"github.com/sirupsen/logrus"
)

var devLogger = logrus.WithField("source", "device")

// SetLogger sets the logger for the device API, every device package
// derives its own entry from this one.
func SetLogger(logger *logrus.Entry) {
	fields := devLogger.Data
	devLogger = logger.WithFields(fields)
}

// DeviceLogger returns the logger shared by the device packages.
func DeviceLogger() *logrus.Entry {
	return devLogger
}
