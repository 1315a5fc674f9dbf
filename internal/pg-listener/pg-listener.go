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
	"sync"
	"time"

	"github.com/blnkfinance/contentsync/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultBuffer   = 1024
	minReconnect    = 10 * time.Second
	pingInterval    = 90 * time.Second
	defaultTimeout  = time.Minute
	reconnectNotice = "listener reconnected, requesting a resync of every tracked record type"
)

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	Timeout   time.Duration
	Buffer    int
}

// DBListener receives change notifications published with pg_notify and
// buffers their payloads until the next Drain.
type DBListener struct {
	listener *pq.Listener
	channel  string
	buffer   chan []byte
	done     chan struct{}
	once     sync.Once
}

// NewDBListener opens a LISTEN connection on config.Channel.
func NewDBListener(config ListenerConfig) (*DBListener, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	listener := pq.NewListener(config.PgConnStr, minReconnect, timeout, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).WithField("event", ev).Error("pg listener error")
		}
	})
	if err := listener.Listen(config.Channel); err != nil {
		_ = listener.Close()
		return nil, errors.Wrapf(err, "listen on %s", config.Channel)
	}

	d := newDBListener(config.Channel, config.Buffer)
	d.listener = listener
	go d.forward(listener.Notify, listener.Ping)

	logrus.Infof("listening for PostgreSQL notifications on channel '%s'", config.Channel)
	return d, nil
}

func newDBListener(channel string, size int) *DBListener {
	if size <= 0 {
		size = defaultBuffer
	}
	return &DBListener{
		channel: channel,
		buffer:  make(chan []byte, size),
		done:    make(chan struct{}),
	}
}

// forward moves notifications into the buffer. pq delivers a nil
// notification after a reconnect; it becomes a resync request since
// anything sent while disconnected was lost.
func (d *DBListener) forward(notify <-chan *pq.Notification, ping func() error) {
	for {
		select {
		case <-d.done:
			return
		case n, ok := <-notify:
			if !ok {
				return
			}
			var payload []byte
			if n == nil {
				logrus.WithField("channel", d.channel).Warn(reconnectNotice)
				payload = resyncPayload()
			} else {
				payload = []byte(n.Extra)
			}
			select {
			case d.buffer <- payload:
			case <-d.done:
				return
			}
		case <-time.After(pingInterval):
			if ping == nil {
				continue
			}
			go func() {
				if err := ping(); err != nil {
					logrus.WithError(err).Warn("pg listener ping failed")
				}
			}()
		}
	}
}

func resyncPayload() []byte {
	payload, _ := json.Marshal(model.ChangeNotification{
		RecordType: model.AllRecordTypes,
		Operation:  model.OperationUpdate,
		MessageID:  "resync-" + uuid.NewString(),
		SentAt:     time.Now().UTC(),
	})
	return payload
}

// Drain returns up to max buffered payloads without waiting for more.
func (d *DBListener) Drain(ctx context.Context, max int) ([][]byte, error) {
	var out [][]byte
	for max <= 0 || len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		select {
		case payload := <-d.buffer:
			out = append(out, payload)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Close stops listening. Payloads still buffered are discarded.
func (d *DBListener) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		if d.listener != nil {
			err = d.listener.Close()
		}
	})
	return err
}
