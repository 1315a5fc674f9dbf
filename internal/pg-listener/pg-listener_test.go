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

package pg_listener

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/blnkfinance/contentsync/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startForwarding(t *testing.T, size int) (*DBListener, chan *pq.Notification) {
	d := newDBListener("content_change", size)
	notify := make(chan *pq.Notification)
	go d.forward(notify, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d, notify
}

func TestDrainReturnsBufferedPayloadsInOrder(t *testing.T) {
	d, notify := startForwarding(t, 10)

	notify <- &pq.Notification{Channel: "content_change", Extra: `{"record_type":"web_pages","operation":"Update"}`}
	notify <- &pq.Notification{Channel: "content_change", Extra: `{"record_type":"web_files","operation":"Create"}`}

	var got [][]byte
	require.Eventually(t, func() bool {
		batch, _ := d.Drain(context.Background(), 0)
		got = append(got, batch...)
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	assert.JSONEq(t, `{"record_type":"web_pages","operation":"Update"}`, string(got[0]))
	assert.JSONEq(t, `{"record_type":"web_files","operation":"Create"}`, string(got[1]))
}

func TestReconnectRequestsResync(t *testing.T) {
	d, notify := startForwarding(t, 10)

	notify <- &pq.Notification{Channel: "content_change", Extra: `{"record_type":"web_pages","operation":"Update"}`}
	notify <- nil

	var got [][]byte
	require.Eventually(t, func() bool {
		batch, _ := d.Drain(context.Background(), 0)
		got = append(got, batch...)
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	var n model.ChangeNotification
	require.NoError(t, json.Unmarshal(got[1], &n))
	assert.Equal(t, model.AllRecordTypes, n.RecordType)
	assert.Equal(t, model.OperationUpdate, n.Operation)
	assert.True(t, strings.HasPrefix(n.MessageID, "resync-"))
}

func TestDrainHonoursMax(t *testing.T) {
	d := newDBListener("content_change", 10)
	for i := 0; i < 5; i++ {
		d.buffer <- []byte("{}")
	}

	batch, err := d.Drain(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	batch, err = d.Drain(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	batch, err = d.Drain(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	d := newDBListener("content_change", 10)
	d.buffer <- []byte("{}")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := d.Drain(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, batch)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newDBListener("content_change", 1)
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}
