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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/contentsync/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
)

const (
	CollectionWebsites        = "websites"
	CollectionWebPages        = "web_pages"
	CollectionWebFiles        = "web_files"
	CollectionContentSnippets = "content_snippets"
	CollectionArticles        = "knowledge_articles"
)

// CollectionConfig holds configuration for a specific collection.
type CollectionConfig struct {
	Schema     *api.CollectionSchema
	IDField    string
	TimeFields []string
}

var collectionConfigs map[string]CollectionConfig

func init() {
	collectionConfigs = map[string]CollectionConfig{
		CollectionWebsites: {
			Schema:     websiteSchema(),
			IDField:    "website_id",
			TimeFields: []string{"modified_on"},
		},
		CollectionWebPages: {
			Schema:     webPageSchema(),
			IDField:    "web_page_id",
			TimeFields: []string{"modified_on"},
		},
		CollectionWebFiles: {
			Schema:     webFileSchema(),
			IDField:    "web_file_id",
			TimeFields: []string{"modified_on"},
		},
		CollectionContentSnippets: {
			Schema:     contentSnippetSchema(),
			IDField:    "content_snippet_id",
			TimeFields: []string{"modified_on"},
		},
		CollectionArticles: {
			Schema:     articleSchema(),
			IDField:    "knowledge_article_id",
			TimeFields: []string{"modified_on", "published_on"},
		},
	}
}

// Collection returns the configuration for an indexed record type.
func Collection(recordType string) (CollectionConfig, bool) {
	c, ok := collectionConfigs[recordType]
	return c, ok
}

// TypesenseClient wraps the Typesense client.
type TypesenseClient struct {
	Client *typesense.Client
}

// NewTypesenseClient initializes and returns a new Typesense client instance.
func NewTypesenseClient(apiKey string, hosts []string) *TypesenseClient {
	client := typesense.NewClient(
		typesense.WithServer(hosts[0]),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
		typesense.WithCircuitBreakerMaxRequests(50),
		typesense.WithCircuitBreakerInterval(2*time.Minute),
		typesense.WithCircuitBreakerTimeout(1*time.Minute),
	)
	return &TypesenseClient{Client: client}
}

// EnsureCollectionsExist creates every missing collection and adds fields
// that newer schemas introduced to existing ones.
func (t *TypesenseClient) EnsureCollectionsExist(ctx context.Context) error {
	for name, config := range collectionConfigs {
		created, err := t.CreateCollection(ctx, config.Schema)
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		if created {
			continue
		}
		if err := t.MigrateTypeSenseSchema(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// CreateCollection creates a collection. It reports false when the
// collection already exists.
func (t *TypesenseClient) CreateCollection(ctx context.Context, schema *api.CollectionSchema) (bool, error) {
	_, err := t.Client.Collections().Create(ctx, schema)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

// MigrateTypeSenseSchema adds new fields from the latest schema to the existing collection schema in Typesense.
func (t *TypesenseClient) MigrateTypeSenseSchema(ctx context.Context, collectionName string) error {
	config, ok := collectionConfigs[collectionName]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collectionName)
	}

	collection := t.Client.Collection(collectionName)
	current, err := collection.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve current schema: %w", classify(err))
	}

	newFields := compareSchemas(&api.CollectionSchema{Name: current.Name, Fields: current.Fields}, config.Schema)
	for _, field := range newFields {
		if _, err := collection.Update(ctx, &api.CollectionUpdateSchema{Fields: []api.Field{field}}); err != nil {
			return fmt.Errorf("failed to add field %s: %w", field.Name, classify(err))
		}
		logrus.Infof("Added new field %s to collection %s", field.Name, collectionName)
	}
	return nil
}

func (t *TypesenseClient) upsertDocument(ctx context.Context, collection string, doc map[string]interface{}) error {
	if _, err := t.Client.Collection(collection).Documents().Upsert(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert document in Typesense: %w", classify(err))
	}
	return nil
}

// deleteDocument removes a document. A document that is already gone is
// not an error.
func (t *TypesenseClient) deleteDocument(ctx context.Context, collection, id string) error {
	_, err := t.Client.Collection(collection).Document(id).Delete(ctx)
	if err == nil || isStatus(err, http.StatusNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete document from Typesense: %w", classify(err))
}

// classify marks throttling and server side failures as retryable.
func classify(err error) error {
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= http.StatusInternalServerError {
			return retry.MarkTransient(err)
		}
	}
	return err
}

func isStatus(err error, status int) bool {
	var httpErr *typesense.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == status
}

// compareSchemas returns the fields present in newSchema but not in oldSchema.
func compareSchemas(oldSchema, newSchema *api.CollectionSchema) []api.Field {
	var newFields []api.Field
	oldFieldMap := make(map[string]bool)
	for _, field := range oldSchema.Fields {
		oldFieldMap[field.Name] = true
	}
	for _, field := range newSchema.Fields {
		if !oldFieldMap[field.Name] {
			newFields = append(newFields, field)
		}
	}
	return newFields
}

// getDefaultValue returns the default value for a given field type in Typesense.
func getDefaultValue(fieldType string) interface{} {
	switch fieldType {
	case "string":
		return ""
	case "int32", "int64":
		return int64(0)
	case "float":
		return float64(0)
	case "bool":
		return false
	case "string[]":
		return []string{}
	default:
		return nil
	}
}

func websiteSchema() *api.CollectionSchema {
	facet := true
	sortBy := "modified_on"
	return &api.CollectionSchema{
		Name: CollectionWebsites,
		Fields: []api.Field{
			{Name: "website_id", Type: "string", Facet: &facet},
			{Name: "name", Type: "string"},
			{Name: "primary_domain", Type: "string", Facet: &facet},
			{Name: "modified_on", Type: "int64"},
		},
		DefaultSortingField: &sortBy,
	}
}

func webPageSchema() *api.CollectionSchema {
	facet := true
	optional := true
	sortBy := "modified_on"
	return &api.CollectionSchema{
		Name: CollectionWebPages,
		Fields: []api.Field{
			{Name: "web_page_id", Type: "string", Facet: &facet},
			{Name: "website_id", Type: "string", Facet: &facet},
			{Name: "parent_page_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "name", Type: "string"},
			{Name: "title", Type: "string", Optional: &optional},
			{Name: "partial_url", Type: "string", Facet: &facet},
			{Name: "copy", Type: "string", Optional: &optional},
			{Name: "summary", Type: "string", Optional: &optional},
			{Name: "modified_on", Type: "int64"},
		},
		DefaultSortingField: &sortBy,
	}
}

func webFileSchema() *api.CollectionSchema {
	facet := true
	optional := true
	sortBy := "modified_on"
	return &api.CollectionSchema{
		Name: CollectionWebFiles,
		Fields: []api.Field{
			{Name: "web_file_id", Type: "string", Facet: &facet},
			{Name: "website_id", Type: "string", Facet: &facet},
			{Name: "parent_page_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "name", Type: "string"},
			{Name: "partial_url", Type: "string", Facet: &facet},
			{Name: "summary", Type: "string", Optional: &optional},
			{Name: "modified_on", Type: "int64"},
		},
		DefaultSortingField: &sortBy,
	}
}

func contentSnippetSchema() *api.CollectionSchema {
	facet := true
	optional := true
	sortBy := "modified_on"
	return &api.CollectionSchema{
		Name: CollectionContentSnippets,
		Fields: []api.Field{
			{Name: "content_snippet_id", Type: "string", Facet: &facet},
			{Name: "website_id", Type: "string", Facet: &facet},
			{Name: "name", Type: "string"},
			{Name: "value", Type: "string", Optional: &optional},
			{Name: "modified_on", Type: "int64"},
		},
		DefaultSortingField: &sortBy,
	}
}

func articleSchema() *api.CollectionSchema {
	facet := true
	optional := true
	sortBy := "modified_on"
	return &api.CollectionSchema{
		Name: CollectionArticles,
		Fields: []api.Field{
			{Name: "knowledge_article_id", Type: "string", Facet: &facet},
			{Name: "title", Type: "string"},
			{Name: "keywords", Type: "string", Optional: &optional},
			{Name: "content", Type: "string", Optional: &optional},
			{Name: "published_on", Type: "int64", Optional: &optional},
			{Name: "modified_on", Type: "int64"},
		},
		DefaultSortingField: &sortBy,
	}
}
