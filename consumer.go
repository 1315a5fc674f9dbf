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
	"encoding/json"
	"time"

	"github.com/blnkfinance/contentsync/internal/ledger"
	"github.com/blnkfinance/contentsync/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultDrainSize = 500

// Consumer drains change notifications from the bus into the ledger. The
// bus is only a wake-up signal: malformed or duplicate messages are logged
// and dropped since the delta fetch is the authoritative path.
type Consumer struct {
	subscription Subscription
	ledger       *ledger.Ledger
	batchSize    int
	now          func() time.Time
}

func NewConsumer(subscription Subscription, l *ledger.Ledger, batchSize int) *Consumer {
	if batchSize <= 0 {
		batchSize = defaultDrainSize
	}
	return &Consumer{subscription: subscription, ledger: l, batchSize: batchSize, now: time.Now}
}

// Consume drains one batch and returns how many notifications were
// recorded.
func (c *Consumer) Consume(ctx context.Context) (int, error) {
	payloads, err := c.subscription.Drain(ctx, c.batchSize)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, payload := range payloads {
		if c.Handle(payload) {
			recorded++
		}
	}
	if len(payloads) > 0 {
		logrus.WithFields(logrus.Fields{
			"received": len(payloads),
			"recorded": recorded,
		}).Debug("drained change notifications")
	}
	return recorded, nil
}

// Handle decodes one payload and records it. It reports whether the
// notification changed ledger state.
func (c *Consumer) Handle(payload []byte) bool {
	var n model.ChangeNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		logrus.WithError(err).Warn("discarding undecodable change notification")
		return false
	}
	if n.MessageID == "" {
		n.MessageID = uuid.NewString()
	}
	n.ReceivedAt = c.now()

	log := logrus.WithFields(logrus.Fields{
		"record_type": n.RecordType,
		"operation":   n.Operation,
		"message_id":  n.MessageID,
	})

	if !n.Operation.Valid() {
		log.Warn("discarding change notification with unknown operation")
		return false
	}
	if n.Operation == model.OperationMetadataChanged {
		c.ledger.SetMetadataDirty(true)
		log.Info("metadata marked dirty")
		return true
	}
	if n.RecordType == "" {
		log.Warn("discarding change notification without record type")
		return false
	}
	if n.RecordType == model.AllRecordTypes {
		marked := 0
		for _, kind := range model.ConsumerKinds {
			marked += c.ledger.RecordAll(kind, n)
		}
		log.WithField("marked", marked).Info("resync requested, every tracked record type marked dirty")
		return marked > 0
	}

	recorded := false
	for _, kind := range model.ConsumerKinds {
		if c.ledger.RecordChange(n.RecordType, kind, n) {
			recorded = true
		}
	}
	return recorded
}
