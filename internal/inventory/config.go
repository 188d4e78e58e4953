//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/edgexfoundry/go-mod-core-contracts/models"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
)

// UseCase names one of the runnable inventory programs.
type UseCase string

const (
	UseCaseInventory  = UseCase("inventory")
	UseCaseAccess     = UseCase("access")
	UseCaseAutoAccess = UseCase("auto-access")
	UseCaseAutoset    = UseCase("autoset")
)

var useCases = []UseCase{UseCaseInventory, UseCaseAccess, UseCaseAutoAccess, UseCaseAutoset}

// ParseUseCase matches a use case name.
func ParseUseCase(s string) (UseCase, error) {
	for _, u := range useCases {
		if string(u) == strings.ToLower(s) {
			return u, nil
		}
	}
	return "", errors.Errorf("unknown use case %q", s)
}

var (
	ErrUnexpectedConfigItems = errors.New("unexpected config items")
	ErrInvalidOptions        = errors.New("invalid options")
)

// Options configure an inventory run.
type Options struct {
	UseCase      string
	Region       string
	Antenna      uint8
	FrequencyKHz uint32
	RemainOn     bool
	TxPowerCdbm  int16
	// RfMode is used by every use case but autoset.
	RfMode uint32
	// AutosetMode picks the autoset mode list; 0 chooses one by region.
	AutosetMode uint32
	// Target is A, B, or D for dual target.
	Target   string
	InitialQ uint8
	Session  uint8
	// MinReadRate, in tags per second, that a run must reach to pass.
	MinReadRate uint32

	MaxDurationUs     uint32
	MaxNumberOfRounds uint32
	MaxNumberOfTags   uint32
}

// ServiceSettings configure the service around the runs.
type ServiceSettings struct {
	Port       int
	LogLevel   string
	CaptureDir string
}

// SimulatorSettings shape the simulated tag population.
type SimulatorSettings struct {
	TagPopulation int
	Seed          int64
	LockedTags    int
}

// Config is the whole service configuration, as stored in
// configuration.toml and the configuration provider.
type Config struct {
	Service   ServiceSettings
	Options   Options
	Simulator SimulatorSettings
}

const (
	maxTxPowerCdbm = 3300
	maxPopulation  = 10000
)

// DefaultOptions match the reference autoset configuration.
func DefaultOptions() Options {
	return Options{
		UseCase:     string(UseCaseInventory),
		Region:      string(ex10.RegionFCC),
		Antenna:     1,
		TxPowerCdbm: 3000,
		RfMode:      222,
		Target:      "D",
		InitialQ:    8,
		Session:     uint8(ex10.SessionS2),
	}
}

func DefaultConfig() Config {
	return Config{
		Service: ServiceSettings{
			Port:       59711,
			LogLevel:   models.InfoLog,
			CaptureDir: "captures",
		},
		Options: DefaultOptions(),
		Simulator: SimulatorSettings{
			TagPopulation: 50,
			Seed:          1,
		},
	}
}

// Validate returns an error if the options cannot be run.
func (o Options) Validate() error {
	var problems MultiErr

	if _, err := ParseUseCase(o.UseCase); err != nil {
		problems = append(problems, err)
	}
	if _, err := ex10.ParseRegion(o.Region); err != nil {
		problems = append(problems, err)
	}
	if o.Antenna < ex10.MinAntenna || o.Antenna > ex10.MaxAntenna {
		problems = append(problems, errors.Errorf("antenna must be %d..%d, not %d",
			ex10.MinAntenna, ex10.MaxAntenna, o.Antenna))
	}
	if o.Session > uint8(ex10.SessionS3) {
		problems = append(problems, errors.Errorf("session must be 0..3, not %d", o.Session))
	}
	if _, _, err := o.Targets(); err != nil {
		problems = append(problems, err)
	}
	if o.InitialQ > ex10.MaxQ {
		problems = append(problems, errors.Errorf("initial Q must be at most %d, not %d", ex10.MaxQ, o.InitialQ))
	}
	if o.TxPowerCdbm < 0 || o.TxPowerCdbm > maxTxPowerCdbm {
		problems = append(problems, errors.Errorf("tx power must be 0..%d cdBm, not %d", maxTxPowerCdbm, o.TxPowerCdbm))
	}
	if UseCase(o.UseCase) != UseCaseAutoset && !ex10.RfMode(o.RfMode).IsValid() {
		problems = append(problems, errors.Errorf("unsupported rf mode %d", o.RfMode))
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidOptions, problems.Error())
	}
	return nil
}

// Targets interprets the Target option: the first target to query,
// and whether to alternate between A and B.
func (o Options) Targets() (first ex10.Target, dual bool, err error) {
	switch strings.ToUpper(o.Target) {
	case "A":
		return ex10.TargetA, false, nil
	case "B":
		return ex10.TargetB, false, nil
	case "D":
		return ex10.TargetA, true, nil
	}
	return ex10.TargetA, false, errors.Errorf("target must be A, B or D, not %q", o.Target)
}

// StopConditions returns the configured stop conditions.
func (o Options) StopConditions() StopConditions {
	return StopConditions{
		MaxDurationUs:     o.MaxDurationUs,
		MaxNumberOfRounds: o.MaxNumberOfRounds,
		MaxNumberOfTags:   o.MaxNumberOfTags,
	}
}

// RoundParams builds dynamic Q round parameters from the options.
func (o Options) RoundParams() ex10.RoundParams {
	target, _, _ := o.Targets()
	return ex10.RoundParams{
		Antenna:     o.Antenna,
		RfMode:      ex10.RfMode(o.RfMode),
		TxPowerCdbm: o.TxPowerCdbm,
		Config:      ex10.DynamicQConfig(o.InitialQ, ex10.Session(o.Session), target),
		RemainOn:    o.RemainOn,
	}
}

// Validate checks every section of the config.
func (c Config) Validate() error {
	var problems MultiErr
	if err := c.Options.Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.Service.Port < 0 || c.Service.Port > 65535 {
		problems = append(problems, errors.Errorf("invalid port %d", c.Service.Port))
	}
	switch c.Service.LogLevel {
	case models.TraceLog, models.DebugLog, models.InfoLog, models.WarnLog, models.ErrorLog:
	default:
		problems = append(problems, errors.Errorf("invalid log level %q", c.Service.LogLevel))
	}
	if c.Simulator.TagPopulation < 0 || c.Simulator.TagPopulation > maxPopulation {
		problems = append(problems, errors.Errorf("tag population must be 0..%d", maxPopulation))
	}
	if c.Simulator.LockedTags < 0 || c.Simulator.LockedTags > c.Simulator.TagPopulation {
		problems = append(problems, errors.Errorf("locked tags must be 0..%d", c.Simulator.TagPopulation))
	}
	if len(problems) > 0 {
		return problems
	}
	return nil
}

var knownKeys = map[string][]string{
	"Service":   {"Port", "LogLevel", "CaptureDir"},
	"Options":   {"UseCase", "Region", "Antenna", "FrequencyKHz", "RemainOn", "TxPowerCdbm", "RfMode", "AutosetMode", "Target", "InitialQ", "Session", "MinReadRate", "MaxDurationUs", "MaxNumberOfRounds", "MaxNumberOfTags"},
	"Simulator": {"TagPopulation", "Seed", "LockedTags"},
}

// ParseConfig reads a TOML config over the defaults.
// Keys it does not understand are reported with ErrUnexpectedConfigItems
// alongside an otherwise usable config.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to parse configuration")
	}
	if err := tree.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	if unexpected := unexpectedKeys(tree); len(unexpected) > 0 {
		return cfg, errors.Wrapf(ErrUnexpectedConfigItems, "%s", strings.Join(unexpected, ", "))
	}
	return cfg, nil
}

func unexpectedKeys(tree *toml.Tree) []string {
	var out []string
	for _, section := range tree.Keys() {
		fields, ok := knownKeys[section]
		if !ok {
			out = append(out, section)
			continue
		}
		sub, ok := tree.Get(section).(*toml.Tree)
		if !ok {
			out = append(out, section)
			continue
		}
		for _, k := range sub.Keys() {
			if !contains(fields, k) {
				out = append(out, section+"."+k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MultiErr collects several problems into one error.
type MultiErr []error

func (me MultiErr) Error() string {
	strs := make([]string, len(me))
	for i, s := range me {
		strs[i] = s.Error()
	}
	return strings.Join(strs, "; ")
}

// String renders the options in one line, for logs.
func (o Options) String() string {
	return fmt.Sprintf("use_case=%s region=%s antenna=%d power=%dcdBm mode=%d autoset=%d target=%s q=%d session=%d",
		o.UseCase, o.Region, o.Antenna, o.TxPowerCdbm, o.RfMode, o.AutosetMode, o.Target, o.InitialQ, o.Session)
}
