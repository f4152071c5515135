// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/policy"
)

const (
	defaultStateFile      = "/var/lib/usbipd/state.yaml"
	defaultDriverInf      = "/usr/share/usbipd/VBoxUSB.inf"
	defaultDeviceTree     = "/run/usbipd/devtree"
	defaultDeviceChannels = "/run/usbipd/channels"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("state-file", defaultStateFile, "The file in which to persist bindings and policy rules.")
	flag.String("driver-inf", defaultDriverInf, "The driver package to install on bound devices.")
	flag.String("device-tree", defaultDeviceTree, "The root of the device tree exported by the device manager.")
	flag.String("device-channels", defaultDeviceChannels, "The directory holding per-device IO channels and the kernel monitor channel.")
	flag.Duration("auto-bind", time.Minute, "How often to reconcile auto-bind policy rules against attached devices. Zero disables the reconcile loop.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbipd/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// ruleSpec is the config-file shape of a policy rule.
type ruleSpec struct {
	Effect     string `json:"effect"`
	Operation  string `json:"operation"`
	BusID      string `json:"busid"`
	HardwareID string `json:"hardware-id"`
}

func (s *ruleSpec) toRule() (policy.Rule, error) {
	var rule policy.Rule

	switch strings.ToLower(s.Effect) {
	case "allow":
		rule.Effect = policy.Allow
	case "deny":
		rule.Effect = policy.Deny
	default:
		return rule, fmt.Errorf("failed to parse rule effect %q", s.Effect)
	}

	switch strings.ToLower(s.Operation) {
	case "", "auto-bind":
		rule.Operation = policy.AutoBind
	default:
		return rule, fmt.Errorf("failed to parse rule operation %q", s.Operation)
	}

	if s.BusID != "" {
		var hub, port uint16
		if n, err := fmt.Sscanf(s.BusID, "%d-%d", &hub, &port); n != 2 || err != nil {
			return rule, fmt.Errorf("failed to parse rule bus id %q", s.BusID)
		}
		rule.BusID = &device.BusID{Hub: hub, Port: port}
	}

	if s.HardwareID != "" {
		vidPid, err := device.ParseVidPid(s.HardwareID)
		if err != nil {
			return rule, fmt.Errorf("failed to parse rule hardware id %q: %w", s.HardwareID, err)
		}
		rule.VidPid = &vidPid
	}

	if err := rule.Validate(); err != nil {
		return rule, err
	}
	return rule, nil
}

func getConfiguredRules() ([]policy.Rule, error) {
	raw, ok := viper.Get("rules").([]interface{})
	if !ok {
		return nil, nil
	}

	rules := make([]policy.Rule, 0, len(raw))
	for _, def := range raw {
		var spec ruleSpec
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &spec,
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}

		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode rule %q: %w", def, err)
		}

		rule, err := spec.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
