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
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/contentsync/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Reconciler turns checkpoints into authoritative change records by
// querying the backing store for everything since each checkpoint.
type Reconciler struct {
	store        BackingStore
	scopeID      string
	scopeTable   string
	processStart time.Time
	now          func() time.Time

	mu          sync.RWMutex
	descriptors map[string]*model.RecordTypeInfo
}

// NewReconciler builds a Reconciler. An empty scopeID disables scope
// filtering.
func NewReconciler(store BackingStore, scopeID, scopeTable string) *Reconciler {
	return &Reconciler{
		store:        store,
		scopeID:      scopeID,
		scopeTable:   scopeTable,
		processStart: time.Now(),
		now:          time.Now,
		descriptors:  make(map[string]*model.RecordTypeInfo),
	}
}

// Describe returns the cached descriptor for recordType, resolving it on
// first use. Lookup faults are not cached.
func (r *Reconciler) Describe(ctx context.Context, recordType string) (*model.RecordTypeInfo, error) {
	if info, ok := r.Descriptor(recordType); ok {
		return info, nil
	}

	info, err := r.store.DescribeRecordType(ctx, recordType, r.scopeTable)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = &model.RecordTypeInfo{RecordType: recordType}
	}

	r.mu.Lock()
	r.descriptors[recordType] = info
	r.mu.Unlock()
	return info, nil
}

// Descriptor returns a previously resolved descriptor without touching the
// backing store.
func (r *Reconciler) Descriptor(recordType string) (*model.RecordTypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.descriptors[recordType]
	return info, ok
}

// ResetMetadata drops every cached descriptor so the next fetch re-reads
// schema and relationship metadata.
func (r *Reconciler) ResetMetadata() {
	r.mu.Lock()
	r.descriptors = make(map[string]*model.RecordTypeInfo)
	r.mu.Unlock()
	logrus.Info("record type metadata cache reset")
}

// ResolveColdStart composes a starting token for a record type that has no
// checkpoint yet: one version behind the newest journal entry, stamped with
// the process start time.
func (r *Reconciler) ResolveColdStart(ctx context.Context, recordType string) (model.VersionToken, error) {
	latest, found, err := r.store.LatestVersion(ctx, recordType)
	if err != nil {
		return "", err
	}

	since := int64(0)
	if found && latest > 0 {
		since = latest - 1
	}
	token := model.NewVersionToken(since, r.processStart)

	logrus.WithFields(logrus.Fields{
		"record_type": recordType,
		"latest":      latest,
		"token":       token,
	}).Debug("resolved cold start token")
	return token, nil
}

// FetchChanges fetches every change since the given checkpoints, one
// sub-request per record type in a single round trip. Record types that
// cannot be described or whose sub-request faults are left out of the
// result. Any fault affecting the whole batch returns an error and no
// changes, so checkpoints never advance past data that was not observed.
func (r *Reconciler) FetchChanges(ctx context.Context, recordTypes []string, checkpoints map[string]model.VersionToken) (changes map[string]model.ChangeSet, err error) {
	ctx, span := otel.Tracer("contentsync").Start(ctx, "Fetching changes")
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			changes = nil
			err = fmt.Errorf("fetch changes: %v", p)
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	since := make(map[string]model.VersionToken, len(recordTypes))
	queries := make([]model.ChangeQuery, 0, len(recordTypes))
	for _, recordType := range recordTypes {
		log := logrus.WithField("record_type", recordType)

		info, err := r.Describe(ctx, recordType)
		if err != nil {
			log.WithError(err).Warn("could not describe record type, skipping")
			continue
		}
		if !info.Resolvable() {
			log.Warn("record type has no key attribute, excluded from delta fetch")
			continue
		}

		token := checkpoints[recordType]
		if token.IsEmpty() {
			token, err = r.ResolveColdStart(ctx, recordType)
			if err != nil {
				log.WithError(err).Warn("cold start lookup failed, skipping")
				continue
			}
		}
		if _, _, err := token.Parse(); err != nil {
			log.WithError(err).Warn("unreadable checkpoint, skipping")
			continue
		}

		since[recordType] = token
		queries = append(queries, model.ChangeQuery{
			RecordType:   recordType,
			KeyAttribute: info.KeyAttribute,
			SinceVersion: token.Version(),
		})
	}
	span.SetAttributes(attribute.Int("record_types", len(queries)))

	if len(queries) == 0 {
		return map[string]model.ChangeSet{}, nil
	}

	results, err := r.store.FetchChanges(ctx, queries)
	if err != nil {
		logrus.WithError(err).Error("change batch failed, no changes returned")
		return nil, err
	}

	changes = make(map[string]model.ChangeSet, len(results))
	for _, result := range results {
		log := logrus.WithField("record_type", result.RecordType)
		if result.Err != nil {
			log.WithError(result.Err).Warn("change sub-request faulted, record type excluded")
			continue
		}
		from, ok := since[result.RecordType]
		if !ok {
			log.Warn("store returned changes for a record type that was not requested")
			continue
		}

		token := from
		if result.MaxVersion > from.Version() {
			token = model.NewVersionToken(result.MaxVersion, r.now())
		}

		fetched := len(result.Records)
		records := r.ScopeFilter(ctx, collapse(result.Records), r.scopeID)

		changes[result.RecordType] = model.ChangeSet{
			Since:   from,
			Token:   token,
			Records: records,
			HasMore: result.HasMore,
		}
		log.WithFields(logrus.Fields{
			"since":    from,
			"token":    token,
			"fetched":  fetched,
			"in_scope": len(records),
			"has_more": result.HasMore,
		}).Debug("fetched changes")
	}
	return changes, nil
}

// ScopeFilter keeps the records that belong to scopeID. Records that cannot
// be proven out of scope are kept: types without a scope link, deletes
// without attributes and records whose scope lookup fails.
func (r *Reconciler) ScopeFilter(ctx context.Context, records []model.ChangeRecord, scopeID string) []model.ChangeRecord {
	if scopeID == "" {
		return records
	}

	kept := make([]model.ChangeRecord, 0, len(records))
	for _, record := range records {
		info, ok := r.Descriptor(record.RecordType)
		if !ok || info.ScopeLinkAttribute == "" {
			kept = append(kept, record)
			continue
		}
		if record.Operation == model.OperationDelete && len(record.Attributes) == 0 {
			kept = append(kept, record)
			continue
		}

		scope, found, err := r.resolveScope(ctx, info, record)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"record_type": record.RecordType,
				"record_id":   record.RecordID,
			}).WithError(err).Warn("scope lookup failed, keeping record")
			kept = append(kept, record)
			continue
		}
		if found && scope == scopeID {
			kept = append(kept, record)
		}
	}
	return kept
}

func (r *Reconciler) resolveScope(ctx context.Context, info *model.RecordTypeInfo, record model.ChangeRecord) (string, bool, error) {
	if v, ok := record.Attributes[info.ScopeLinkAttribute]; ok {
		return stringValue(v), v != nil, nil
	}

	attrs, err := r.store.Lookup(ctx, record.RecordType, info.KeyAttribute, record.RecordID, []string{info.ScopeLinkAttribute})
	if err != nil {
		return "", false, err
	}
	v, ok := attrs[info.ScopeLinkAttribute]
	if !ok || v == nil {
		return "", false, nil
	}
	return stringValue(v), true, nil
}

// collapse keeps only the newest journal entry per record, preserving
// version order.
func collapse(records []model.ChangeRecord) []model.ChangeRecord {
	if len(records) < 2 {
		return records
	}
	last := make(map[string]int, len(records))
	for i, record := range records {
		last[record.RecordID] = i
	}
	if len(last) == len(records) {
		return records
	}

	out := make([]model.ChangeRecord, 0, len(last))
	for i, record := range records {
		if last[record.RecordID] == i {
			out = append(out, record)
		}
	}
	return out
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
