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

// Package redis_stream carries change notifications over a Redis stream
// read through a consumer group.
package redis_stream

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const payloadField = "payload"

// Stream is a consumer group member. Entries are acknowledged as soon as
// they are read: a lost notification only delays the change until the next
// reconciliation that touches its record type.
type Stream struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
}

// New joins group on stream, creating both when they do not exist.
func New(ctx context.Context, client redis.UniversalClient, stream, group string) (*Stream, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "contentsync"
	}
	return &Stream{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}, nil
}

// Drain reads up to max new entries without blocking.
func (s *Stream) Drain(ctx context.Context, max int) ([][]byte, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(max),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read stream")
	}

	var (
		out [][]byte
		ids []string
	)
	for _, str := range res {
		for _, msg := range str.Messages {
			ids = append(ids, msg.ID)
			switch v := msg.Values[payloadField].(type) {
			case string:
				out = append(out, []byte(v))
			default:
				logrus.WithFields(logrus.Fields{
					"stream": s.stream,
					"id":     msg.ID,
				}).Warn("stream entry without payload skipped")
			}
		}
	}

	if len(ids) > 0 {
		if err := s.client.XAck(ctx, s.stream, s.group, ids...).Err(); err != nil {
			logrus.WithError(err).WithField("stream", s.stream).Warn("failed to acknowledge stream entries")
		}
	}
	return out, nil
}

// Publish appends a raw notification payload to the stream.
func (s *Stream) Publish(ctx context.Context, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "publish to stream")
	}
	return id, nil
}

// Consumer returns the member name used in the group.
func (s *Stream) Consumer() string { return s.consumer }
