// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// hostdevctl is the operator tool for the host device registries: it
// lists what the manager tracks and pre-detaches or reattaches single
// PCI devices, the manual workflow behind unmanaged hostdevs.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/hostvirt/hostdev/pkg/device/api"
	"github.com/hostvirt/hostdev/pkg/device/config"
	"github.com/hostvirt/hostdev/pkg/device/hostdev"
	"github.com/hostvirt/hostdev/pkg/device/pci"
	"github.com/hostvirt/hostdev/pkg/hosttrace"
)

const (
	name = "hostdevctl"

	// defaultConfigPath is consulted when --config is not given.
	defaultConfigPath = "/etc/hostvirt/hostdevctl.toml"
)

// tomlConfig seeds the flag defaults; explicit flags win over it.
type tomlConfig struct {
	Debug          bool   `toml:"debug"`
	LogFormat      string `toml:"log_format"`
	Backend        string `toml:"backend"`
	Tracing        bool   `toml:"tracing"`
	JaegerEndpoint string `toml:"jaeger_endpoint"`
	JaegerUser     string `toml:"jaeger_user"`
	JaegerPassword string `toml:"jaeger_password"`
}

var (
	cfg tomlConfig

	stopTracing = func() {}
)

// loadConfig decodes the TOML configuration. A missing file at the
// well-known path is fine; a missing file named explicitly is not.
func loadConfig(path string, explicit bool) error {
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to load configuration %s: %v", path, err)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "manage host device assignment state"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: fmt.Sprintf("path to the TOML configuration (default %s)", defaultConfigPath),
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "set the log format (text, json)",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		configPath := ctx.GlobalString("config")
		explicit := configPath != ""
		if !explicit {
			configPath = defaultConfigPath
		}
		if err := loadConfig(configPath, explicit); err != nil {
			return err
		}

		debug := cfg.Debug
		if ctx.GlobalIsSet("debug") {
			debug = ctx.GlobalBool("debug")
		}
		logFormat := cfg.LogFormat
		if ctx.GlobalIsSet("log-format") {
			logFormat = ctx.GlobalString("log-format")
		}

		logger := logrus.New()
		if debug {
			logger.SetLevel(logrus.DebugLevel)
		}
		if logFormat == "json" {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		api.SetLogger(logger.WithField("name", name))

		hosttrace.SetTracing(cfg.Tracing)
		closer, err := hosttrace.CreateTracer(name, &hosttrace.JaegerConfig{
			JaegerEndpoint: cfg.JaegerEndpoint,
			JaegerUser:     cfg.JaegerUser,
			JaegerPassword: cfg.JaegerPassword,
		})
		if err != nil {
			return err
		}
		stopTracing = closer
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		stopTracing()
		return nil
	}
	app.Commands = []cli.Command{
		listCommand,
		detachCommand,
		reattachCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "list the devices tracked by the manager registries",
	Action: func(ctx *cli.Context) error {
		mgr, err := hostdev.GetDefault()
		if err != nil {
			return err
		}

		mgr.ActivePCIDevices.Lock()
		defer mgr.ActivePCIDevices.Unlock()
		mgr.InactivePCIDevices.Lock()
		defer mgr.InactivePCIDevices.Unlock()

		fmt.Println("Active PCI devices:")
		for i := 0; i < mgr.ActivePCIDevices.Count(); i++ {
			dev := mgr.ActivePCIDevices.Get(i)
			drv, dom := dev.UsedBy()
			fmt.Printf("  %s used by driver %s, domain %s\n", dev.Name(), drv, dom)
		}
		fmt.Println("Inactive PCI devices:")
		for i := 0; i < mgr.InactivePCIDevices.Count(); i++ {
			fmt.Printf("  %s\n", mgr.InactivePCIDevices.Get(i).Name())
		}
		return nil
	},
}

var detachCommand = cli.Command{
	Name:  "detach",
	Usage: "bind a PCI device to its stub driver and track it as inactive",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "device",
			Usage: "PCI address (dddd:bb:ss.f) of the device",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "assignment backend (vfio, kvm)",
		},
	},
	Action: func(ctx *cli.Context) error {
		dev, err := deviceFromFlags(ctx)
		if err != nil {
			return err
		}

		mgr, err := hostdev.GetDefault()
		if err != nil {
			return err
		}

		mgr.ActivePCIDevices.Lock()
		defer mgr.ActivePCIDevices.Unlock()
		mgr.InactivePCIDevices.Lock()
		defer mgr.InactivePCIDevices.Unlock()

		return dev.Detach(mgr.ActivePCIDevices, mgr.InactivePCIDevices)
	},
}

var reattachCommand = cli.Command{
	Name:  "reattach",
	Usage: "return a pre-detached PCI device to its host driver",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "device",
			Usage: "PCI address (dddd:bb:ss.f) of the device",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "assignment backend (vfio, kvm)",
		},
	},
	Action: func(ctx *cli.Context) error {
		dev, err := deviceFromFlags(ctx)
		if err != nil {
			return err
		}

		mgr, err := hostdev.GetDefault()
		if err != nil {
			return err
		}

		mgr.ActivePCIDevices.Lock()
		defer mgr.ActivePCIDevices.Unlock()
		mgr.InactivePCIDevices.Lock()
		defer mgr.InactivePCIDevices.Unlock()

		// The device may have been detached in an earlier process
		// lifetime, in which case the stub binding is all there is to
		// undo.
		dev.SetOrigStates(config.PCIOrigStates{
			UnbindFromStub: true,
			Reprobe:        true,
		})
		return dev.Reattach(mgr.ActivePCIDevices, mgr.InactivePCIDevices)
	},
}

// effectiveBackend resolves the backend from the flag, falling back to
// the configuration file, then to VFIO.
func effectiveBackend(ctx *cli.Context) config.PCIBackend {
	if ctx.IsSet("backend") {
		return config.PCIBackend(ctx.String("backend"))
	}
	if cfg.Backend != "" {
		return config.PCIBackend(cfg.Backend)
	}
	return config.PCIBackendVFIO
}

func deviceFromFlags(ctx *cli.Context) (*pci.Device, error) {
	addr, err := config.ParsePciAddress(ctx.String("device"))
	if err != nil {
		return nil, err
	}

	dev, err := pci.NewDevice(addr)
	if err != nil {
		return nil, err
	}
	dev.SetManaged(true)
	if err := dev.SetStubDriver(config.StubDriverForBackend(effectiveBackend(ctx))); err != nil {
		return nil, err
	}
	return dev, nil
}
