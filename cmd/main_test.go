/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"testing"
	"time"

	"github.com/blnkfinance/contentsync/config"
	"github.com/blnkfinance/contentsync/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := NewCLI().cmd

	for _, path := range [][]string{
		{"start"},
		{"run-once"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"index", "ensure"},
		{"index", "rebuild"},
		{"config"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRegisterJobs(t *testing.T) {
	s := scheduler.New()
	registerJobs(s, &syncInstance{cnf: &config.Configuration{Sync: config.SyncConfig{
		ConsumeInterval:   time.Second,
		ReconcileInterval: 30 * time.Second,
	}}})

	jobs := s.Jobs()
	assert.Contains(t, jobs, "consume")
	assert.Contains(t, jobs, "reconcile")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "********", mask("secret"))
}
