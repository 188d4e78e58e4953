//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	inventoryapp "github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory/app"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/logutil"
)

func main() {
	app := inventoryapp.NewInventoryApp()
	err := app.Initialize()

	lgr := logutil.LogWrap{LoggingClient: app.LoggingClient()}
	lgr.ExitIfErr(err, "Failed to initialize.")
	lgr.ExitIfErr(app.RunUntilCancelled(), "Service exited with an error.")
	lgr.Info("Stopped.")
}
