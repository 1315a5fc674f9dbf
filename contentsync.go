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

package contentsync

import (
	"context"
	"embed"
	"sync"
	"time"

	"github.com/blnkfinance/contentsync/config"
	"github.com/blnkfinance/contentsync/internal/ledger"
	"github.com/blnkfinance/contentsync/internal/retry"
	"github.com/blnkfinance/contentsync/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// BackingStore is the query surface of the system of record.
type BackingStore interface {
	LatestVersion(ctx context.Context, recordType string) (int64, bool, error)
	FetchChanges(ctx context.Context, queries []model.ChangeQuery) ([]model.ChangeResult, error)
	Lookup(ctx context.Context, recordType, keyAttribute, id string, attributes []string) (map[string]interface{}, error)
	DescribeRecordType(ctx context.Context, recordType, scopeTable string) (*model.RecordTypeInfo, error)
}

// Sink applies invalidation messages. Implementations must be idempotent:
// the same batch may be delivered more than once.
type Sink interface {
	Name() string
	Invalidate(ctx context.Context, messages []model.InvalidationMessage) error
}

// Preparer is implemented by sinks that need side data computed from the
// current content graph before another sink mutates it.
type Preparer interface {
	Prepare(ctx context.Context, messages []model.InvalidationMessage) error
}

// Subscription is a drained message bus. Drain returns immediately with
// whatever is buffered, up to max messages.
type Subscription interface {
	Drain(ctx context.Context, max int) ([][]byte, error)
}

// Telemetry receives pass outcomes and latency observations.
type Telemetry interface {
	RecordLatency(ctx context.Context, consumer model.ConsumerKind, recordType string, latency time.Duration)
	PassCompleted(ctx context.Context, report model.PassReport)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordLatency(context.Context, model.ConsumerKind, string, time.Duration) {}
func (noopTelemetry) PassCompleted(context.Context, model.PassReport)                          {}

// ContentSync wires the ledger, the consumer and the orchestrator for one
// process. Checkpoints live in memory and start empty on every boot.
type ContentSync struct {
	ledger       *ledger.Ledger
	reconciler   *Reconciler
	transformer  *Transformer
	consumer     *Consumer
	orchestrator *Orchestrator

	mu         sync.RWMutex
	lastReport *model.PassReport
}

// Status is a snapshot of pending work and the most recent pass.
type Status struct {
	Ledger        map[model.ConsumerKind]ledger.Stats `json:"ledger"`
	Pending       map[model.ConsumerKind][]string     `json:"pending"`
	MetadataDirty bool                                `json:"metadata_dirty"`
	LastPass      *model.PassReport                   `json:"last_pass,omitempty"`
}

// NewContentSync builds the pipeline from its collaborators.
func NewContentSync(cfg config.SyncConfig, store BackingStore, subscription Subscription, cache, search Sink, telemetry Telemetry) *ContentSync {
	l := ledger.New(map[model.ConsumerKind][]string{
		model.ConsumerCache:       cfg.TrackedTypes,
		model.ConsumerSearchIndex: cfg.SearchTypes,
	})
	reconciler := NewReconciler(store, cfg.ScopeID, cfg.ScopeTable)
	transformer := NewTransformer(reconciler)

	return &ContentSync{
		ledger:      l,
		reconciler:  reconciler,
		transformer: transformer,
		consumer:    NewConsumer(subscription, l, cfg.BatchSize),
		orchestrator: NewOrchestrator(l, reconciler, transformer, cache, search,
			WithRetryPolicy(retry.NewPolicy(cfg.RetryAttempts, cfg.RetrySpacing)),
			WithSearchTypes(cfg.SearchTypes),
			WithReentrant(cfg.Reentrant),
			WithTelemetry(telemetry),
		),
	}
}

func (c *ContentSync) Ledger() *ledger.Ledger { return c.ledger }

// Consume drains one batch of change notifications into the ledger.
func (c *ContentSync) Consume(ctx context.Context) (int, error) {
	return c.consumer.Consume(ctx)
}

// Reconcile runs one orchestrator pass and remembers its report.
func (c *ContentSync) Reconcile(ctx context.Context) (model.PassReport, error) {
	report, err := c.orchestrator.RunPass(ctx)
	if !report.Skipped {
		c.mu.Lock()
		c.lastReport = &report
		c.mu.Unlock()
	}
	return report, err
}

// RequestMetadataRefresh flags metadata dirty so the next pass reloads
// structural caches in both sinks.
func (c *ContentSync) RequestMetadataRefresh() {
	c.ledger.SetMetadataDirty(true)
}

func (c *ContentSync) Status() Status {
	status := Status{
		Ledger:        make(map[model.ConsumerKind]ledger.Stats, len(model.ConsumerKinds)),
		Pending:       make(map[model.ConsumerKind][]string, len(model.ConsumerKinds)),
		MetadataDirty: c.ledger.MetadataDirty(),
	}
	for _, kind := range model.ConsumerKinds {
		status.Ledger[kind] = c.ledger.Stats(kind)
		status.Pending[kind] = c.ledger.Pending(kind)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastReport != nil {
		r := *c.lastReport
		status.LastPass = &r
	}
	return status
}
