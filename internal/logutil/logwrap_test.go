//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package logutil

import (
	"os"
	"testing"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPairs(t *testing.T) {
	err := errors.New("boom")
	got := pairs([]KeyValue{{"path", "/dev/null"}, {"error", err}, {"count", 3}})
	assert.Equal(t, []interface{}{"path", "/dev/null", "error", "boom", "count", 3}, got)
	assert.Empty(t, pairs(nil))
}

func TestExitIfErr(t *testing.T) {
	var code *int
	exit = func(c int) { code = &c }
	defer func() { exit = os.Exit }()

	lgr := LogWrap{logger.NewMockClient()}

	lgr.ExitIfErr(nil, "fine")
	assert.Nil(t, code)

	assert.False(t, lgr.ErrIf(false, "fine"))
	assert.True(t, lgr.ErrIf(true, "not fine", KeyValue{"k", "v"}))
	assert.Nil(t, code)

	assert.False(t, lgr.WarnIfErr(nil, "fine"))
	assert.True(t, lgr.WarnIfErr(errors.New("meh"), "odd"))

	lgr.ExitIfErr(errors.New("fatal"), "failed")
	if assert.NotNil(t, code) {
		assert.Equal(t, 1, *code)
	}
}
