//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventoryapp

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/edgexfoundry/go-mod-bootstrap/bootstrap/flags"
	"github.com/edgexfoundry/go-mod-configuration/configuration"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/logutil"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/sim"
)

const (
	serviceKey = "ex10-inventory"

	folderPerm = 0755 // folders require the execute flag in order to create new files
	filePerm   = 0644

	shutdownTimeout = 5 * time.Second
)

type InventoryApp struct {
	lc           logger.LoggingClient
	configClient configuration.Client
	router       *mux.Router

	// optsMu guards config.Options, which the config watcher may replace.
	optsMu sync.RWMutex
	config inventory.Config

	dev    *sim.Device
	reader *inventory.Reader
	rnd    *rand.Rand

	runs         *xsync.MapOf[string, *Run]
	runReqs      chan *Run
	confUpdateCh chan interface{}
}

func NewInventoryApp() *InventoryApp {
	return &InventoryApp{
		lc:           logger.NewClient(serviceKey, false, "", inventory.DefaultConfig().Service.LogLevel),
		router:       mux.NewRouter(),
		config:       inventory.DefaultConfig(),
		runs:         xsync.NewMapOf[string, *Run](),
		runReqs:      make(chan *Run),
		confUpdateCh: make(chan interface{}),
	}
}

// Initialize parses the command line, loads the configuration,
// and builds the simulated reader and the HTTP routes.
func (app *InventoryApp) Initialize() error {
	sdkFlags := flags.New()
	sdkFlags.Parse(os.Args[1:])

	if sdkFlags.ConfigProviderUrl() != "" {
		var err error
		if app.configClient, err = getConfigClient(sdkFlags); err != nil {
			return errors.Wrap(err, "Failed to create config client.")
		}
	}

	cfg, err := app.loadConfig(sdkFlags)
	if err != nil {
		return err
	}
	app.config = cfg
	app.lc = logger.NewClient(serviceKey, false, "", cfg.Service.LogLevel)
	app.lc.Info("Starting.", "options", cfg.Options.String())

	app.setupReader(cfg.Simulator)
	return app.addRoutes()
}

// LoggingClient returns the service logger, at the configured
// level once Initialize has loaded the configuration.
func (app *InventoryApp) LoggingClient() logger.LoggingClient {
	return app.lc
}

func (app *InventoryApp) logWrap() logutil.LogWrap {
	return logutil.LogWrap{LoggingClient: app.lc}
}

// setupReader builds the simulated device and its reader.
func (app *InventoryApp) setupReader(s inventory.SimulatorSettings) {
	tags := sim.NewPopulation(s.TagPopulation, s.Seed)
	for i := 0; i < s.LockedTags && i < len(tags); i++ {
		tags[i].WriteLocked[gen2.BankUser] = true
	}
	app.dev = sim.New(app.lc, tags)
	app.reader = inventory.NewReader(app.lc, app.dev)
	app.rnd = rand.New(rand.NewSource(s.Seed))
	app.lc.Info("Simulated reader ready.", "tags", len(tags), "lockedTags", s.LockedTags)
}

// options returns a copy of the current run options.
func (app *InventoryApp) options() inventory.Options {
	app.optsMu.RLock()
	defer app.optsMu.RUnlock()
	return app.config.Options
}

func (app *InventoryApp) setOptions(o inventory.Options) {
	app.optsMu.Lock()
	app.config.Options = o
	app.optsMu.Unlock()
}

// RunUntilCancelled serves HTTP and executes runs until
// the process receives SIGINT or SIGTERM.
func (app *InventoryApp) RunUntilCancelled() error {
	if dir := app.config.Service.CaptureDir; dir != "" {
		app.logWrap().WarnIfErr(os.MkdirAll(dir, folderPerm), "Failed to create capture directory.",
			logutil.KeyValue{Key: "directory", Val: dir})
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.taskLoop(ctx)
		app.lc.Info("Task loop has exited.")
	}()

	if app.configClient != nil {
		app.watchOptions(ctx)
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(app.config.Service.Port),
		Handler: app.router,
	}

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		s := <-signals

		app.lc.Info(fmt.Sprintf("Received '%s' signal from OS.", s.String()))
		cancel() // signal the taskLoop to finish

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.lc.Error("Failed to shut down HTTP server.", "error", err.Error())
		}
	}()

	app.lc.Info("Listening.", "address", srv.Addr)
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		wg.Wait()
		return errors.Wrap(err, "HTTP server failed")
	}

	// let task loop complete
	wg.Wait()
	app.lc.Info("Exiting.")

	return nil
}
