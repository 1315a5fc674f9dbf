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

package mocks

import (
	"context"

	"github.com/blnkfinance/contentsync/model"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the backing store query surface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) LatestVersion(ctx context.Context, recordType string) (int64, bool, error) {
	args := m.Called(ctx, recordType)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockStore) FetchChanges(ctx context.Context, queries []model.ChangeQuery) ([]model.ChangeResult, error) {
	args := m.Called(ctx, queries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ChangeResult), args.Error(1)
}

func (m *MockStore) Lookup(ctx context.Context, recordType, keyAttribute, id string, attributes []string) (map[string]interface{}, error) {
	args := m.Called(ctx, recordType, keyAttribute, id, attributes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func (m *MockStore) DescribeRecordType(ctx context.Context, recordType, scopeTable string) (*model.RecordTypeInfo, error) {
	args := m.Called(ctx, recordType, scopeTable)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RecordTypeInfo), args.Error(1)
}

func (m *MockStore) ChildPages(ctx context.Context, pageID string) ([]string, error) {
	args := m.Called(ctx, pageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) ListIDs(ctx context.Context, recordType, keyAttribute string) ([]string, error) {
	args := m.Called(ctx, recordType, keyAttribute)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockSink records invalidation batches.
type MockSink struct {
	mock.Mock
	name string
}

func NewMockSink(name string) *MockSink {
	return &MockSink{name: name}
}

func (m *MockSink) Name() string { return m.name }

func (m *MockSink) Invalidate(ctx context.Context, messages []model.InvalidationMessage) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

// MockPreparingSink is a MockSink that also precomputes side data.
type MockPreparingSink struct {
	MockSink
}

func NewMockPreparingSink(name string) *MockPreparingSink {
	return &MockPreparingSink{MockSink: MockSink{name: name}}
}

func (m *MockPreparingSink) Prepare(ctx context.Context, messages []model.InvalidationMessage) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

// MockSubscription hands out queued payloads.
type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Drain(ctx context.Context, max int) ([][]byte, error) {
	args := m.Called(ctx, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}
