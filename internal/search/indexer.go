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

package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/contentsync/database"
	"github.com/blnkfinance/contentsync/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Records is the read side the indexer builds documents from.
type Records interface {
	Lookup(ctx context.Context, recordType, keyAttribute, id string, attributes []string) (map[string]interface{}, error)
	ListIDs(ctx context.Context, recordType, keyAttribute string) ([]string, error)
	ChildPages(ctx context.Context, pageID string) ([]string, error)
}

// preparedTTL bounds how long an unconsumed descendant walk is kept.
const preparedTTL = time.Hour

type prepared struct {
	children []string
	at       time.Time
}

// Indexer keeps Typesense collections in step with invalidation messages.
type Indexer struct {
	client  *TypesenseClient
	records Records
	now     func() time.Time

	mu          sync.Mutex
	descendants map[string]prepared
}

func NewIndexer(client *TypesenseClient, records Records) *Indexer {
	return &Indexer{
		client:      client,
		records:     records,
		now:         time.Now,
		descendants: make(map[string]prepared),
	}
}

func (i *Indexer) Name() string { return "search" }

// Prepare records the descendants of every page a message touches. Page
// access and URLs are inherited down the tree, so those pages are reindexed
// with their ancestor; the walk has to happen before the cache sink removes
// the links it follows. A walk stays until the search pass applies it, so a
// failed batch finds it again on retry.
func (i *Indexer) Prepare(ctx context.Context, messages []model.InvalidationMessage) error {
	i.pruneStale()

	for _, msg := range messages {
		if msg.TargetType != CollectionWebPages || msg.TargetID == "" {
			continue
		}
		children, err := i.records.ChildPages(ctx, msg.TargetID)
		if err != nil {
			return err
		}
		i.mu.Lock()
		i.descendants[msg.TargetID] = prepared{children: children, at: i.now()}
		i.mu.Unlock()
	}
	return nil
}

func (i *Indexer) pruneStale() {
	cutoff := i.now().Add(-preparedTTL)

	i.mu.Lock()
	defer i.mu.Unlock()
	for id, p := range i.descendants {
		if p.at.Before(cutoff) {
			delete(i.descendants, id)
		}
	}
}

// Invalidate applies messages to the index. Upserts and deletes are
// idempotent, so replaying a batch is safe.
func (i *Indexer) Invalidate(ctx context.Context, messages []model.InvalidationMessage) error {
	ctx, span := otel.Tracer("contentsync.search").Start(ctx, "Updating search index")
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(messages)))

	for _, msg := range messages {
		if err := i.apply(ctx, msg); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (i *Indexer) apply(ctx context.Context, msg model.InvalidationMessage) error {
	if msg.IsMetadataRefresh() {
		return i.client.EnsureCollectionsExist(ctx)
	}

	switch msg.Operation {
	case model.OperationCreate, model.OperationUpdate:
		if err := i.reindex(ctx, msg.TargetType, msg.TargetID); err != nil {
			return err
		}
		return i.reindexDescendants(ctx, msg.TargetType, msg.TargetID)

	case model.OperationDelete:
		config, ok := collectionConfigs[msg.TargetType]
		if !ok {
			return nil
		}
		if err := i.client.deleteDocument(ctx, config.Schema.Name, msg.TargetID); err != nil {
			return err
		}
		return i.reindexDescendants(ctx, msg.TargetType, msg.TargetID)

	case model.OperationAssociate, model.OperationDisassociate:
		refs := append([]model.EntityReference{{Type: msg.TargetType, ID: msg.TargetID}}, msg.RelatedEntities...)
		for _, ref := range refs {
			if _, ok := collectionConfigs[ref.Type]; !ok {
				continue
			}
			if ref.ID == "" {
				if err := i.ReindexAll(ctx, ref.Type); err != nil {
					return err
				}
				continue
			}
			if err := i.reindex(ctx, ref.Type, ref.ID); err != nil {
				return err
			}
			if err := i.reindexDescendants(ctx, ref.Type, ref.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// reindex rebuilds one document from the backing store, removing it when
// the record no longer exists.
func (i *Indexer) reindex(ctx context.Context, recordType, id string) error {
	config, ok := collectionConfigs[recordType]
	if !ok || id == "" {
		return nil
	}

	row, err := i.records.Lookup(ctx, recordType, config.IDField, id, nil)
	if errors.Is(err, database.ErrRecordNotFound) {
		return i.client.deleteDocument(ctx, config.Schema.Name, id)
	}
	if err != nil {
		return err
	}
	return i.client.upsertDocument(ctx, config.Schema.Name, buildDocument(config, id, row))
}

// reindexDescendants reindexes every page below id. It uses the walk
// Prepare recorded and falls back to the live hierarchy when there is none.
// The recorded walk is dropped only once every child is reindexed.
func (i *Indexer) reindexDescendants(ctx context.Context, recordType, id string) error {
	if recordType != CollectionWebPages || id == "" {
		return nil
	}

	i.mu.Lock()
	p, ok := i.descendants[id]
	i.mu.Unlock()

	children := p.children
	if !ok {
		var err error
		if children, err = i.records.ChildPages(ctx, id); err != nil {
			return err
		}
	}

	for _, child := range children {
		if err := i.reindex(ctx, CollectionWebPages, child); err != nil {
			return err
		}
	}

	if ok {
		i.mu.Lock()
		if current, still := i.descendants[id]; still && current.at.Equal(p.at) {
			delete(i.descendants, id)
		}
		i.mu.Unlock()
	}
	return nil
}

// ReindexAll rebuilds every document of recordType. It is the fallback for
// relationship changes whose endpoint is not known.
func (i *Indexer) ReindexAll(ctx context.Context, recordType string) error {
	config, ok := collectionConfigs[recordType]
	if !ok {
		return nil
	}
	ids, err := i.records.ListIDs(ctx, recordType, config.IDField)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"record_type": recordType,
		"documents":   len(ids),
	}).Info("search: rebuilding collection")

	for _, id := range ids {
		if err := i.reindex(ctx, recordType, id); err != nil {
			return err
		}
	}
	return nil
}

// buildDocument keeps the schema fields of row, fills required fields
// that are missing and converts time fields to unix seconds.
func buildDocument(config CollectionConfig, id string, row map[string]interface{}) map[string]interface{} {
	doc := map[string]interface{}{"id": id}
	for _, field := range config.Schema.Fields {
		value, ok := row[field.Name]
		optional := field.Optional != nil && *field.Optional
		if !ok || value == nil {
			if !optional {
				doc[field.Name] = getDefaultValue(field.Type)
			}
			continue
		}
		if s, isString := value.(string); isString && s == "" && optional {
			continue
		}
		doc[field.Name] = value
	}
	doc[config.IDField] = id

	for _, field := range config.TimeFields {
		if v, ok := doc[field]; ok {
			doc[field] = unixSeconds(v)
		}
	}
	return doc
}

func unixSeconds(v interface{}) int64 {
	switch t := v.(type) {
	case time.Time:
		return t.Unix()
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02"} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed.Unix()
			}
		}
	}
	return 0
}
