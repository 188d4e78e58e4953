//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventoryapp

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edgexfoundry/go-mod-bootstrap/bootstrap/flags"
	"github.com/edgexfoundry/go-mod-configuration/configuration"
	"github.com/edgexfoundry/go-mod-configuration/pkg/types"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
)

const (
	baseConsulPath = "edgex/appservices/1.0/"

	defaultConfigDir  = "res"
	defaultConfigFile = "configuration.toml"

	// optionsKey is the provider key watched for run option changes.
	optionsKey = "Options"
)

// getConfigClient returns a configuration client for the provider URL
// given on the command line, e.g. consul.http://localhost:8500.
func getConfigClient(f flags.Common) (configuration.Client, error) {
	cpUrl, err := url.Parse(f.ConfigProviderUrl())
	if err != nil {
		return nil, err
	}

	cpPort := 8500
	port := cpUrl.Port()
	if port != "" {
		cpPort, err = strconv.Atoi(port)
		if err != nil {
			return nil, errors.Wrap(err, "bad config port")
		}
	}

	configClient, err := configuration.NewConfigurationClient(types.ServiceConfig{
		Host:     cpUrl.Hostname(),
		Port:     cpPort,
		BasePath: baseConsulPath + serviceKey,
		Type:     strings.Split(cpUrl.Scheme, ".")[0],
	})

	return configClient, errors.Wrap(err, "failed to get config client")
}

// configFilePath resolves <confdir>/<profile>/<file>.
func configFilePath(f flags.Common) string {
	dir := f.ConfigDirectory()
	if dir == "" {
		dir = defaultConfigDir
	}
	name := f.ConfigFileName()
	if name == "" {
		name = defaultConfigFile
	}
	return filepath.Join(dir, f.Profile(), name)
}

// loadConfig reads the TOML configuration file. With a configuration
// provider, the provider's configuration wins unless it has none or the
// overwrite flag is set, in which case the file is pushed to it.
func (app *InventoryApp) loadConfig(f flags.Common) (inventory.Config, error) {
	path := configFilePath(f)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return inventory.DefaultConfig(), errors.Wrapf(err, "failed to read configuration file %s", path)
	}

	cfg, err := inventory.ParseConfig(data)
	if errors.Is(err, inventory.ErrUnexpectedConfigItems) {
		// warn on unexpected config items, but do not exit
		app.lc.Warn(err.Error())
	} else if err != nil {
		return cfg, errors.Wrap(err, "config parse error")
	}

	if app.configClient == nil {
		return cfg, nil
	}
	if !app.configClient.IsAlive() {
		return cfg, errors.New("configuration provider is not available")
	}

	if !f.OverwriteConfig() {
		has, err := app.configClient.HasConfiguration()
		if err != nil {
			return cfg, errors.Wrap(err, "failed to check configuration provider")
		}
		if has {
			return app.loadProviderConfig()
		}
	}

	tree, err := toml.LoadBytes(data)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to parse configuration")
	}
	if err := app.configClient.PutConfigurationToml(tree, f.OverwriteConfig()); err != nil {
		return cfg, errors.Wrap(err, "failed to push configuration to provider")
	}
	app.lc.Info("Pushed configuration to provider.", "file", path, "overwrite", f.OverwriteConfig())
	return cfg, nil
}

func (app *InventoryApp) loadProviderConfig() (inventory.Config, error) {
	raw, err := app.configClient.GetConfiguration(&inventory.Config{})
	if err != nil {
		return inventory.Config{}, errors.Wrap(err, "failed to get configuration from provider")
	}
	cfg, ok := raw.(*inventory.Config)
	if !ok || cfg == nil {
		return inventory.Config{}, fmt.Errorf("unexpected provider configuration type %T", raw)
	}
	if err := cfg.Validate(); err != nil {
		return *cfg, errors.Wrap(err, "invalid provider configuration")
	}
	app.lc.Info("Loaded configuration from provider.")
	return *cfg, nil
}

// watchOptions forwards provider changes to the run options to the task loop.
func (app *InventoryApp) watchOptions(ctx context.Context) {
	errs := make(chan error)
	app.configClient.WatchForChanges(app.confUpdateCh, errs, &inventory.Options{}, optionsKey)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				app.lc.Error("Configuration watch failed.", "error", err.Error())
			}
		}
	}()
}
