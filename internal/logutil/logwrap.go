//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package logutil has conditional logging helpers for the service entry point.
package logutil

import (
	"os"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
)

// exit is replaced in tests.
var exit = os.Exit

type LogWrap struct {
	logger.LoggingClient
}

type KeyValue struct {
	Key string
	Val interface{}
}

// pairs flattens params into the key/value list the logging client takes.
// Errors are logged by their message.
func pairs(params []KeyValue) []interface{} {
	parts := make([]interface{}, 0, len(params)*2)
	for _, p := range params {
		val := p.Val
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		parts = append(parts, p.Key, val)
	}
	return parts
}

// ErrIf logs msg as an error when cond holds, and reports cond.
func (lgr LogWrap) ErrIf(cond bool, msg string, params ...KeyValue) bool {
	if !cond {
		return false
	}
	lgr.Error(msg, pairs(params)...)
	return true
}

// WarnIfErr logs msg as a warning when err is not nil.
func (lgr LogWrap) WarnIfErr(err error, msg string, params ...KeyValue) bool {
	if err == nil {
		return false
	}
	lgr.Warn(msg, pairs(append(params, KeyValue{"error", err}))...)
	return true
}

func (lgr LogWrap) ExitIf(cond bool, msg string, params ...KeyValue) {
	if lgr.ErrIf(cond, msg, params...) {
		exit(1)
	}
}

func (lgr LogWrap) ExitIfErr(err error, msg string, params ...KeyValue) {
	lgr.ExitIf(err != nil, msg, append(params, KeyValue{"error", err})...)
}
