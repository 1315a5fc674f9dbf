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

// Package scheduler runs the periodic consume and reconcile jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one unit of periodic work. Errors are logged and the job stays
// scheduled.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron   *cron.Cron
	logger cron.Logger
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	names  map[cron.EntryID]string
}

func New() *Scheduler {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(logger)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		names:  make(map[cron.EntryID]string),
	}
}

// Every schedules job at a fixed interval, rounded to whole seconds. With
// overlap false a tick that fires while the previous run is still going is
// skipped; with overlap true the job runs concurrently and must serialize
// itself.
func (s *Scheduler) Every(name string, interval time.Duration, overlap bool, job Job) cron.EntryID {
	id := s.cron.Schedule(cron.Every(interval), s.wrap(name, overlap, job))
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"job":      name,
		"interval": interval.String(),
		"overlap":  overlap,
	}).Info("scheduler: job registered")
	return id
}

func (s *Scheduler) wrap(name string, overlap bool, job Job) cron.Job {
	wrappers := []cron.JobWrapper{cron.Recover(s.logger)}
	if !overlap {
		wrappers = append(wrappers, cron.SkipIfStillRunning(s.logger))
	}
	return cron.NewChain(wrappers...).Then(cron.FuncJob(func() {
		if err := job(s.ctx); err != nil {
			logrus.WithError(err).WithField("job", name).Warn("scheduler: job failed")
		}
	}))
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the context handed to running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs lists the registered job names with their next run.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.cron.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}
