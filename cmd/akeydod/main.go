// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/akeydo/akeydo/pkg/config"
	"github.com/akeydo/akeydo/pkg/dbusapi"
	"github.com/akeydo/akeydo/pkg/hotkey"
	"github.com/akeydo/akeydo/pkg/orchestrator"
	"github.com/akeydo/akeydo/pkg/plugin"
	"github.com/akeydo/akeydo/pkg/plugins/cpushield"
	"github.com/akeydo/akeydo/pkg/plugins/devicemanager"
	"github.com/akeydo/akeydo/pkg/plugins/gpu"
	"github.com/akeydo/akeydo/pkg/plugins/hugepages"
	"github.com/akeydo/akeydo/pkg/signals"
)

// name is the daemon's binary name, used in the CLI usage string and in
// every log entry.
const name = "akeydod"

// version is overwritten at build time via -ldflags.
var version = "unknown"

var log = logrus.WithFields(logrus.Fields{
	"name":   name,
	"source": "akeydod",
	"pid":    os.Getpid(),
})

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "input, CPU, memory, and GPU handoff daemon for QEMU/libvirt guests"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: config.DefaultConfigPath,
			Usage: "configuration file path",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("fatal error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configureLogging()
	signals.SetLogger(log)

	settings, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	orch := orchestrator.New()

	plugins, err := buildPlugins(settings, orch)
	if err != nil {
		return err
	}
	orch.SetPlugins(plugins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Built, and listeners wired, before Run starts: OnTargetChanged and
	// SetPlugins are not safe to call concurrently with the dispatch loop.
	service, err := dbusapi.New(ctx, orch, settings.DBus.BusName, settings.DBus.ObjectPath)
	if err != nil {
		return fmt.Errorf("akeydod: start dbus service: %w", err)
	}
	orch.OnTargetChanged(service.EmitTargetChanged)

	go orch.Run(ctx)

	signals.WatchForShutdown(ctx, func(shutdownCtx context.Context) {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		stopCtx, stopCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer stopCancel()
		if err := orch.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("errors while stopping plugins")
		}
		if err := service.Close(); err != nil {
			log.WithError(err).Warn("error closing dbus connection")
		}
		cancel()
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify READY failed")
	} else if sent {
		log.Debug("notified systemd that the daemon is ready")
	}

	log.WithFields(logrus.Fields{
		"bus_name":    settings.DBus.BusName,
		"object_path": settings.DBus.ObjectPath,
	}).Info("akeydod started")

	orch.Wait()
	return nil
}

func configureLogging() {
	level := os.Getenv("LOGLEVEL")
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

// buildPlugins constructs the enabled plugin set in a fixed declaration
// order: devicemanager, cpushield, hugepages, gpu. This order is also the
// order Prepare runs in per guest; Release runs in the reverse order. orch
// is passed in unstarted so plugins that need to drive focus (devicemanager,
// gpu) can hold a reference to it.
func buildPlugins(settings *config.Settings, orch *orchestrator.Orchestrator) ([]plugin.Plugin, error) {
	var plugins []plugin.Plugin

	if settings.Devices.Enabled {
		vmHotkeys := map[string]hotkey.Chord{}
		for vmName := range settings.Hotkeys.VirtualMachines {
			if chord := settings.Hotkeys.VMChord(vmName); chord != nil {
				vmHotkeys[vmName] = chord
			}
		}
		plugins = append(plugins, devicemanager.New(orch, settings.Hotkeys.Delay, settings.Devices.WaitTimeout(), vmHotkeys,
			settings.Hotkeys.ReleaseChord(), settings.Hotkeys.ToggleChord()))
	}

	if settings.CPU.Enabled {
		shield, err := cpushield.New()
		if err != nil {
			return nil, fmt.Errorf("akeydod: init cpushield: %w", err)
		}
		plugins = append(plugins, shield)
	}

	if settings.Memory.Enabled {
		plugins = append(plugins, hugepages.New())
	}

	if settings.GPU.Enabled {
		plugins = append(plugins, gpu.New(orch))
	}

	return plugins, nil
}
