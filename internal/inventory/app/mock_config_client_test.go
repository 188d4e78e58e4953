//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventoryapp

import (
	"github.com/pelletier/go-toml"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
)

// MockConfigClient implements EdgeX's configuration.Client interface for use with unit tests.
// It has the ability to allow the unit test to pre-define the existing configuration that is
// returned, spoof errors to be returned by the API calls, and keeps track of any data
// that has been passed through it for use in validating the data against expected results.
type MockConfigClient struct {
	// config is returned by GetConfiguration; when nil, the provider has no configuration.
	config *inventory.Config
	// nextErr holds an error that is to be returned by the next interface method call. this value
	// is cleared every use and should be set before calling an interface method.
	nextErr error
	alive   bool

	// tree holds the data provided to PutConfigurationToml method
	tree      *toml.Tree
	overwrite bool
	// watched records the keys passed to WatchForChanges
	watched []string
}

func NewMockConfigClient() *MockConfigClient {
	return &MockConfigClient{alive: true}
}

func (m *MockConfigClient) takeErr() error {
	err := m.nextErr
	m.nextErr = nil
	return err
}

func (m *MockConfigClient) HasConfiguration() (bool, error) {
	if err := m.takeErr(); err != nil {
		return false, err
	}
	return m.config != nil, nil
}

func (m *MockConfigClient) PutConfigurationToml(configuration *toml.Tree, overwrite bool) error {
	if err := m.takeErr(); err != nil {
		return err
	}
	m.tree = configuration
	m.overwrite = overwrite
	return nil
}

// Not currently needed, so not implemented
func (m *MockConfigClient) PutConfiguration(configStruct interface{}, overwrite bool) error {
	panic("Not implemented.")
}

func (m *MockConfigClient) GetConfiguration(configStruct interface{}) (interface{}, error) {
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	return m.config, nil
}

func (m *MockConfigClient) WatchForChanges(updateChannel chan<- interface{}, errorChannel chan<- error, configuration interface{}, waitKey string) {
	m.watched = append(m.watched, waitKey)
}

func (m *MockConfigClient) IsAlive() bool {
	return m.alive
}

// Not currently needed, so not implemented
func (m *MockConfigClient) ConfigurationValueExists(name string) (bool, error) {
	panic("Not implemented.")
}

// Not currently needed, so not implemented
func (m *MockConfigClient) GetConfigurationValue(name string) ([]byte, error) {
	panic("Not implemented.")
}

// Not currently needed, so not implemented
func (m *MockConfigClient) PutConfigurationValue(name string, value []byte) error {
	panic("Not implemented.")
}
