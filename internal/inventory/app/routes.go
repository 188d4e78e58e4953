//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventoryapp

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"sort"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
)

const (
	apiBase       = "/api/v1"
	maxBodyBytes  = 100 * 1024
	optionsRoute  = apiBase + "/options"
	runsRoute     = apiBase + "/runs"
	startRunRoute = runsRoute + "/{usecase}"
	runRoute      = runsRoute + "/{id}"
	captureRoute  = runRoute + "/capture"

	captureContentType = "application/cbor"
)

func (app *InventoryApp) addRoutes() error {
	if err := app.addRoute(
		optionsRoute, http.MethodGet, app.getOptions); err != nil {
		return err
	}
	if err := app.addRoute(
		runsRoute, http.MethodGet, app.listRuns); err != nil {
		return err
	}
	if err := app.addRoute(
		startRunRoute, http.MethodPost, app.startRun); err != nil {
		return err
	}
	if err := app.addRoute(
		runRoute, http.MethodGet, app.getRun); err != nil {
		return err
	}
	if err := app.addRoute(
		runRoute, http.MethodDelete, app.cancelRun); err != nil {
		return err
	}
	if err := app.addRoute(
		captureRoute, http.MethodGet, app.getCapture); err != nil {
		return err
	}

	return nil
}

func (app *InventoryApp) addRoute(path, method string, f http.HandlerFunc) error {
	if err := app.router.HandleFunc(path, f).Methods(method).GetError(); err != nil {
		return errors.Wrapf(err, "failed to add route, path=%s, method=%s", path, method)
	}
	return nil
}

func (app *InventoryApp) httpError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	app.lc.Error(msg)
	http.Error(w, msg, code)
}

func (app *InventoryApp) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		app.httpError(w, http.StatusInternalServerError, "Failed to marshal response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		app.lc.Error("Error writing response.", "error", err.Error())
	}
}

// Routes
func (app *InventoryApp) getOptions(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, http.StatusOK, app.options())
}

func (app *InventoryApp) listRuns(w http.ResponseWriter, _ *http.Request) {
	reports := make([]RunReport, 0, app.runs.Size())
	app.runs.Range(func(_ string, run *Run) bool {
		reports = append(reports, run.Report(false))
		return true
	})
	sort.Slice(reports, func(i, j int) bool {
		a, b := reports[i].StartedAt, reports[j].StartedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})
	app.writeJSON(w, http.StatusOK, reports)
}

// startRun starts a use case with the current options, overridden by
// any options given in the request body.
func (app *InventoryApp) startRun(w http.ResponseWriter, req *http.Request) {
	useCase, err := inventory.ParseUseCase(mux.Vars(req)["usecase"])
	if err != nil {
		app.httpError(w, http.StatusNotFound, "Request to start unknown use case: %v", err)
		return
	}

	opts := app.options()
	if req.Body != nil {
		data, err := ioutil.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			app.httpError(w, http.StatusInternalServerError, "Failed to read options: %v", err)
			return
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &opts); err != nil {
				app.httpError(w, http.StatusBadRequest, "Failed to unmarshal options: %v. Body: %s", err, string(data))
				return
			}
		}
	}
	opts.UseCase = string(useCase)
	if err := opts.Validate(); err != nil {
		app.httpError(w, http.StatusBadRequest, "Invalid options: %v", err)
		return
	}

	run := newRun(useCase, opts)
	app.runs.Store(run.ID(), run)
	if err := app.submitRun(run); err != nil {
		app.runs.Delete(run.ID())
		app.httpError(w, http.StatusConflict, "Failed to start %s: %v", useCase, err)
		return
	}

	app.lc.Info("Run accepted.", "id", run.ID(), "useCase", string(useCase))
	app.writeJSON(w, http.StatusAccepted, run.Report(false))
}

func (app *InventoryApp) lookupRun(w http.ResponseWriter, req *http.Request) (*Run, bool) {
	id := mux.Vars(req)["id"]
	run, ok := app.runs.Load(id)
	if !ok {
		app.httpError(w, http.StatusNotFound, "Request for unknown run. ID: %v", id)
	}
	return run, ok
}

func (app *InventoryApp) getRun(w http.ResponseWriter, req *http.Request) {
	run, ok := app.lookupRun(w, req)
	if !ok {
		return
	}
	app.writeJSON(w, http.StatusOK, run.Report(true))
}

func (app *InventoryApp) cancelRun(w http.ResponseWriter, req *http.Request) {
	run, ok := app.lookupRun(w, req)
	if !ok {
		return
	}
	run.Cancel()
	app.lc.Info("Run cancel requested.", "id", run.ID())
	app.writeJSON(w, http.StatusAccepted, run.Report(false))
}

// getCapture serves the run's CBOR packet capture, or, with ?format=json,
// the decoded packets.
func (app *InventoryApp) getCapture(w http.ResponseWriter, req *http.Request) {
	run, ok := app.lookupRun(w, req)
	if !ok {
		return
	}
	path := run.CapturePath()
	if path == "" {
		app.httpError(w, http.StatusNotFound, "Run %s has no packet capture.", run.ID())
		return
	}
	select {
	case <-run.Done():
	default:
		app.httpError(w, http.StatusConflict, "Run %s is still running.", run.ID())
		return
	}

	if req.URL.Query().Get("format") != "json" {
		w.Header().Set("Content-Type", captureContentType)
		http.ServeFile(w, req, path)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		app.httpError(w, http.StatusInternalServerError, "Failed to open capture: %v", err)
		return
	}
	defer f.Close()

	q, err := fifo.ReadCapture(f)
	if err != nil {
		app.httpError(w, http.StatusInternalServerError, "Failed to decode capture: %v", err)
		return
	}
	packets := make([]fifo.Packet, 0, q.Len())
	for p, ok := q.Peek(); ok; p, ok = q.Peek() {
		packets = append(packets, p)
		q.Remove()
	}
	app.writeJSON(w, http.StatusOK, packets)
}
