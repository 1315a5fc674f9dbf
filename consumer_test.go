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
	"testing"

	"github.com/blnkfinance/contentsync/database/mocks"
	"github.com/blnkfinance/contentsync/internal/ledger"
	"github.com/blnkfinance/contentsync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *ledger.Ledger {
	return ledger.New(map[model.ConsumerKind][]string{
		model.ConsumerCache:       {"web_pages", "web_files", "X", "Y"},
		model.ConsumerSearchIndex: {"web_pages", "X"},
	})
}

func TestConsumeRecordsForBothConsumers(t *testing.T) {
	sub := new(mocks.MockSubscription)
	sub.On("Drain", mock.Anything, 10).Return([][]byte{
		[]byte(`{"record_type":"web_pages","operation":"Update","message_id":"m1"}`),
		[]byte(`{"record_type":"web_files","operation":"Create"}`),
		[]byte(`{"record_type":"not_tracked","operation":"Create","message_id":"m3"}`),
		[]byte(`not json`),
		[]byte(`{"record_type":"web_pages","operation":"Explode"}`),
	}, nil)
	l := newTestLedger()
	c := NewConsumer(sub, l, 10)

	n, err := c.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"web_files", "web_pages"}, l.Pending(model.ConsumerCache))
	assert.Equal(t, []string{"web_pages"}, l.Pending(model.ConsumerSearchIndex))
	assert.False(t, l.MetadataDirty())
}

func TestConsumeAssignsMissingMessageID(t *testing.T) {
	l := newTestLedger()
	c := NewConsumer(new(mocks.MockSubscription), l, 0)

	require.True(t, c.Handle([]byte(`{"record_type":"web_files","operation":"Delete"}`)))
	assert.True(t, l.BeginReconciliation(model.ConsumerCache))
	snapshot := l.SnapshotProcessing(model.ConsumerCache)
	require.Contains(t, snapshot, "web_files")
	assert.NotEmpty(t, snapshot["web_files"].MessageID)
	assert.False(t, snapshot["web_files"].ReceivedAt.IsZero())
}

func TestResyncMarksEveryTrackedType(t *testing.T) {
	l := newTestLedger()
	c := NewConsumer(new(mocks.MockSubscription), l, 0)

	assert.True(t, c.Handle([]byte(`{"record_type":"*","operation":"Update","message_id":"resync-1"}`)))
	assert.Equal(t, []string{"X", "Y", "web_files", "web_pages"}, l.Pending(model.ConsumerCache))
	assert.Equal(t, []string{"X", "web_pages"}, l.Pending(model.ConsumerSearchIndex))
	assert.False(t, l.MetadataDirty())
}

func TestConsumeMetadataChanged(t *testing.T) {
	l := newTestLedger()
	c := NewConsumer(new(mocks.MockSubscription), l, 0)

	assert.True(t, c.Handle([]byte(`{"operation":"MetadataChanged","message_id":"m9"}`)))
	assert.True(t, l.MetadataDirty())
	assert.Empty(t, l.Pending(model.ConsumerCache))
}

func TestConsumeDrainError(t *testing.T) {
	sub := new(mocks.MockSubscription)
	sub.On("Drain", mock.Anything, defaultDrainSize).Return(nil, errors.New("listener closed"))
	c := NewConsumer(sub, newTestLedger(), 0)

	n, err := c.Consume(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
}
