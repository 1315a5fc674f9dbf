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

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapSkipsOverlappingRuns(t *testing.T) {
	s := New()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var runs int32

	job := s.wrap("reconcile", false, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		<-release
		return nil
	})

	go job.Run()
	<-started

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping run was not skipped")
	}

	close(release)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestWrapAllowsOverlapWhenRequested(t *testing.T) {
	s := New()
	release := make(chan struct{})
	var runs int32

	job := s.wrap("reconcile", true, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		<-release
		return nil
	})

	go job.Run()
	go job.Run()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestWrapRecoversPanicsAndErrors(t *testing.T) {
	s := New()

	assert.NotPanics(t, func() {
		s.wrap("consume", false, func(ctx context.Context) error { panic("boom") }).Run()
	})
	assert.NotPanics(t, func() {
		s.wrap("consume", false, func(ctx context.Context) error { return errors.New("bus down") }).Run()
	})
}

func TestEveryRunsUntilStopped(t *testing.T) {
	s := New()
	var runs int32
	var sawCancel atomic.Bool

	s.Every("consume", time.Second, false, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	require.Contains(t, s.Jobs(), "consume")

	s.Start()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, sawCancel.Load())
}
