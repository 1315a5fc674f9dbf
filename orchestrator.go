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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/contentsync/internal/ledger"
	"github.com/blnkfinance/contentsync/internal/notification"
	"github.com/blnkfinance/contentsync/internal/retry"
	"github.com/blnkfinance/contentsync/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrPassInProgress is returned by RunPass when another pass holds the
// pass lock and the orchestrator is not reentrant.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Orchestrator drives reconciliation passes: cache first, then search, then
// any pending metadata refresh. Passes are serialized by a process-wide
// lock that is independent of the ledger's own lock, so consumers keep
// recording notifications while a pass runs.
type Orchestrator struct {
	ledger      *ledger.Ledger
	reconciler  *Reconciler
	transformer *Transformer
	cache       Sink
	search      Sink
	searchTypes map[string]struct{}
	retry       retry.Policy
	telemetry   Telemetry
	reentrant   bool
	now         func() time.Time

	passMu sync.Mutex
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithRetryPolicy(p retry.Policy) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = p }
}

func WithTelemetry(t Telemetry) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// WithReentrant makes an overlapping RunPass wait for the running pass
// instead of being skipped.
func WithReentrant(reentrant bool) OrchestratorOption {
	return func(o *Orchestrator) { o.reentrant = reentrant }
}

// WithSearchTypes restricts the search pass to the given record types.
func WithSearchTypes(types []string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.searchTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			o.searchTypes[t] = struct{}{}
		}
	}
}

func NewOrchestrator(l *ledger.Ledger, reconciler *Reconciler, transformer *Transformer, cache, search Sink, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ledger:      l,
		reconciler:  reconciler,
		transformer: transformer,
		cache:       cache,
		search:      search,
		retry:       retry.NewPolicy(retry.DefaultAttempts, retry.DefaultSpacing),
		telemetry:   noopTelemetry{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunPass runs one reconciliation pass. Faults inside the pass are logged
// and reported; anything not committed stays in the ledger for the next
// pass.
func (o *Orchestrator) RunPass(ctx context.Context) (report model.PassReport, err error) {
	if o.reentrant {
		o.passMu.Lock()
	} else if !o.passMu.TryLock() {
		logrus.Info("reconciliation pass already running, skipping")
		return model.PassReport{StartedAt: o.now(), Skipped: true}, ErrPassInProgress
	}
	defer o.passMu.Unlock()

	ctx, span := otel.Tracer("contentsync").Start(ctx, "Reconciliation pass")
	defer span.End()

	report.StartedAt = o.now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconciliation pass aborted: %v", p)
			report.Aborted = true
			span.RecordError(err)
			logrus.WithError(err).Error("reconciliation pass aborted")
			notification.NotifyError(err)
		}
		report.Duration = o.now().Sub(report.StartedAt)
		span.SetAttributes(
			attribute.Bool("aborted", report.Aborted),
			attribute.Bool("metadata_refreshed", report.MetadataRefreshed),
		)
		o.telemetry.PassCompleted(ctx, report)
	}()

	if r, ran := o.reconcile(ctx, model.ConsumerCache, o.cache); ran {
		report.Consumers = append(report.Consumers, r)
	}
	if r, ran := o.reconcile(ctx, model.ConsumerSearchIndex, o.search); ran {
		report.Consumers = append(report.Consumers, r)
	}
	report.MetadataRefreshed = o.refreshMetadata(ctx)

	return report, nil
}

// origin pairs a message with the record type it came from.
type origin struct {
	recordType string
	message    model.InvalidationMessage
}

func (o *Orchestrator) reconcile(ctx context.Context, kind model.ConsumerKind, sink Sink) (model.ConsumerReport, bool) {
	report := model.ConsumerReport{Consumer: kind}
	if sink == nil || !o.ledger.BeginReconciliation(kind) {
		return report, false
	}

	ctx, span := otel.Tracer("contentsync").Start(ctx, "Reconciling "+string(kind))
	defer span.End()

	processing := o.ledger.SnapshotProcessing(kind)
	var recordTypes, skipped []string
	for recordType := range processing {
		if kind == model.ConsumerSearchIndex && !o.isSearchType(recordType) {
			skipped = append(skipped, recordType)
			continue
		}
		recordTypes = append(recordTypes, recordType)
	}
	sort.Strings(recordTypes)
	report.RecordTypes = recordTypes
	span.SetAttributes(attribute.Int("record_types", len(recordTypes)))

	changes, err := o.reconciler.FetchChanges(ctx, recordTypes, o.ledger.GetCheckpoints(kind))
	if err != nil {
		span.RecordError(err)
		logrus.WithField("consumer", kind).WithError(err).Error("delta fetch failed, returning record types to dirty")
		o.ledger.Commit(kind, nil, skipped)
		report.Failed = recordTypes
		return report, true
	}

	var produced []origin
	for _, recordType := range recordTypes {
		cs, ok := changes[recordType]
		if !ok {
			continue
		}
		report.Records += len(cs.Records)
		for _, msg := range o.transformer.Transform(cs.Records) {
			produced = append(produced, origin{recordType: recordType, message: msg})
		}
	}
	report.Messages = len(produced)

	if kind == model.ConsumerCache {
		o.prepareSearch(ctx, produced)
	}

	failedTypes := o.dispatch(ctx, kind, sink, produced)

	succeeded := append([]string(nil), skipped...)
	checkpoints := make(map[string]model.VersionToken)
	for _, recordType := range recordTypes {
		cs, fetched := changes[recordType]
		if !fetched {
			report.Failed = append(report.Failed, recordType)
			continue
		}
		if _, failed := failedTypes[recordType]; failed {
			report.Failed = append(report.Failed, recordType)
			continue
		}
		succeeded = append(succeeded, recordType)
		report.Succeeded = append(report.Succeeded, recordType)
		checkpoints[recordType] = cs.Token
		o.recordLatency(ctx, kind, recordType, cs)
	}

	o.ledger.Commit(kind, checkpoints, succeeded)

	for _, recordType := range report.Succeeded {
		if changes[recordType].HasMore {
			o.ledger.RecordChange(recordType, kind, model.ChangeNotification{
				RecordType: recordType,
				Operation:  model.OperationUpdate,
				MessageID:  "continuation-" + uuid.NewString(),
				ReceivedAt: o.now(),
			})
		}
	}

	logrus.WithFields(logrus.Fields{
		"consumer":  kind,
		"records":   report.Records,
		"messages":  report.Messages,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	}).Info("reconciliation finished")
	return report, true
}

// dispatch sends each target type group to sink under the retry policy.
// A failed group fails every record type that contributed to it; other
// groups still go out. It returns the failed record types.
func (o *Orchestrator) dispatch(ctx context.Context, kind model.ConsumerKind, sink Sink, produced []origin) map[string]struct{} {
	groups := make(map[string][]origin)
	var targets []string
	for _, p := range produced {
		if _, ok := groups[p.message.TargetType]; !ok {
			targets = append(targets, p.message.TargetType)
		}
		groups[p.message.TargetType] = append(groups[p.message.TargetType], p)
	}

	failed := make(map[string]struct{})
	for _, target := range targets {
		group := groups[target]
		messages := make([]model.InvalidationMessage, len(group))
		for i, p := range group {
			messages[i] = p.message
		}

		err := o.retry.Do(ctx, fmt.Sprintf("invalidate %s/%s", sink.Name(), target), func(ctx context.Context) error {
			return sink.Invalidate(ctx, messages)
		})
		if err == nil {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"consumer":    kind,
			"sink":        sink.Name(),
			"target_type": target,
			"messages":    len(messages),
		}).WithError(err).Error("invalidation dispatch failed")
		for _, p := range group {
			failed[p.recordType] = struct{}{}
		}
	}
	return failed
}

// prepareSearch lets the search sink read what it needs from the content
// graph before the cache mutation runs, for record types the search pass
// is about to pick up.
func (o *Orchestrator) prepareSearch(ctx context.Context, produced []origin) {
	preparer, ok := o.search.(Preparer)
	if !ok {
		return
	}

	var messages []model.InvalidationMessage
	for _, p := range produced {
		if o.isSearchType(p.recordType) && o.ledger.IsPending(model.ConsumerSearchIndex, p.recordType) {
			messages = append(messages, p.message)
		}
	}
	if len(messages) == 0 {
		return
	}
	if err := preparer.Prepare(ctx, messages); err != nil {
		logrus.WithError(err).Warn("search preparation failed, continuing with cache dispatch")
	}
}

// refreshMetadata sends a metadata refresh to both sinks when the metadata
// flag is set. The flag is cleared before dispatch, so a metadata change
// that races the refresh may be missed until the next one.
func (o *Orchestrator) refreshMetadata(ctx context.Context) bool {
	if !o.ledger.ClearMetadataDirty() {
		return false
	}
	o.reconciler.ResetMetadata()

	msg := []model.InvalidationMessage{model.MetadataRefreshMessage()}
	refreshed := true
	for _, sink := range []Sink{o.cache, o.search} {
		if sink == nil {
			continue
		}
		err := o.retry.Do(ctx, "metadata refresh "+sink.Name(), func(ctx context.Context) error {
			return sink.Invalidate(ctx, msg)
		})
		if err != nil {
			refreshed = false
			logrus.WithField("sink", sink.Name()).WithError(err).Error("metadata refresh failed")
		}
	}
	if !refreshed {
		o.ledger.SetMetadataDirty(true)
	}
	return refreshed
}

func (o *Orchestrator) recordLatency(ctx context.Context, kind model.ConsumerKind, recordType string, cs model.ChangeSet) {
	since := cs.Since.Timestamp()
	now := o.now()
	for _, record := range cs.Records {
		if record.ModifiedAt.After(since) {
			o.telemetry.RecordLatency(ctx, kind, recordType, now.Sub(record.ModifiedAt))
		}
	}
}

func (o *Orchestrator) isSearchType(recordType string) bool {
	if o.searchTypes == nil {
		return true
	}
	_, ok := o.searchTypes[recordType]
	return ok
}
