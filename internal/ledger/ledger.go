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

// Package ledger tracks pending changes per record type and consumer.
//
// A (record type, consumer) key lives in at most one of three places: the
// dirty set (waiting for a pass), the processing set (claimed by the current
// pass) or nowhere (reconciled). Notifications that arrive for a key while it
// is being processed are parked and folded back into the dirty set when the
// pass commits, so the key is never dirty and processing at the same time.
package ledger

import (
	"sort"
	"sync"

	"github.com/blnkfinance/contentsync/model"
	"github.com/sirupsen/logrus"
)

type entries map[string]model.ChangeNotification

// Ledger is the single source of truth for pending work and progress.
// All methods are safe for concurrent use.
type Ledger struct {
	mu          sync.Mutex
	recognized  map[model.ConsumerKind]map[string]struct{}
	dirty       map[model.ConsumerKind]entries
	processing  map[model.ConsumerKind]entries
	parked      map[model.ConsumerKind]entries
	checkpoints map[model.ConsumerKind]map[string]model.VersionToken

	metaMu        sync.RWMutex
	metadataDirty bool
}

// Stats is a point-in-time count of ledger contents for one consumer.
type Stats struct {
	Dirty       int `json:"dirty"`
	Processing  int `json:"processing"`
	Parked      int `json:"parked"`
	Checkpoints int `json:"checkpoints"`
}

// New builds an empty ledger. recognized lists, per consumer, the record
// types that consumer cares about; notifications for any other type are
// dropped.
func New(recognized map[model.ConsumerKind][]string) *Ledger {
	l := &Ledger{
		recognized:  make(map[model.ConsumerKind]map[string]struct{}),
		dirty:       make(map[model.ConsumerKind]entries),
		processing:  make(map[model.ConsumerKind]entries),
		parked:      make(map[model.ConsumerKind]entries),
		checkpoints: make(map[model.ConsumerKind]map[string]model.VersionToken),
	}
	for kind, types := range recognized {
		set := make(map[string]struct{}, len(types))
		for _, t := range types {
			set[t] = struct{}{}
		}
		l.recognized[kind] = set
		l.dirty[kind] = make(entries)
		l.processing[kind] = make(entries)
		l.parked[kind] = make(entries)
		l.checkpoints[kind] = make(map[string]model.VersionToken)
	}
	return l
}

// Recognizes reports whether recordType is tracked for consumer.
func (l *Ledger) Recognizes(consumer model.ConsumerKind, recordType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.recognized[consumer][recordType]
	return ok
}

// RecordChange marks recordType dirty for consumer. A second notification
// for the same key replaces the first. It returns false when the record type
// is not tracked for consumer.
func (l *Ledger) RecordChange(recordType string, consumer model.ConsumerKind, notification model.ChangeNotification) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record(recordType, consumer, notification)
}

// RecordAll marks every record type tracked for consumer as changed. It is
// used when notifications may have been lost and returns how many types were
// recorded.
func (l *Ledger) RecordAll(consumer model.ConsumerKind, notification model.ChangeNotification) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	types := make([]string, 0, len(l.recognized[consumer]))
	for recordType := range l.recognized[consumer] {
		types = append(types, recordType)
	}
	sort.Strings(types)

	for _, recordType := range types {
		n := notification
		n.RecordType = recordType
		l.record(recordType, consumer, n)
	}
	return len(types)
}

func (l *Ledger) record(recordType string, consumer model.ConsumerKind, notification model.ChangeNotification) bool {
	fields := logrus.Fields{
		"record_type": recordType,
		"consumer":    consumer,
		"message_id":  notification.MessageID,
		"operation":   notification.Operation,
	}

	if _, ok := l.recognized[consumer][recordType]; !ok {
		logrus.WithFields(fields).Debug("ledger: dropping notification for unrecognized record type")
		return false
	}

	if _, inFlight := l.processing[consumer][recordType]; inFlight {
		if prev, ok := l.parked[consumer][recordType]; ok {
			fields["replaced_message_id"] = prev.MessageID
		}
		l.parked[consumer][recordType] = notification
		logrus.WithFields(fields).Debug("ledger: record type in flight, parked notification")
		return true
	}

	if prev, ok := l.dirty[consumer][recordType]; ok {
		fields["replaced_message_id"] = prev.MessageID
		logrus.WithFields(fields).Debug("ledger: duplicate notification collapsed")
	} else {
		logrus.WithFields(fields).Debug("ledger: marked dirty")
	}
	l.dirty[consumer][recordType] = notification
	return true
}

// BeginReconciliation moves every dirty entry for consumer into the
// processing set. Entries left in processing by an aborted pass stay there
// and are reconciled again. It returns false when there is nothing to
// process.
func (l *Ledger) BeginReconciliation(consumer model.ConsumerKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	dirty := l.dirty[consumer]
	processing := l.processing[consumer]
	if processing == nil {
		return false
	}

	moved := 0
	for recordType, n := range dirty {
		processing[recordType] = n
		delete(dirty, recordType)
		moved++
	}

	if len(processing) == 0 {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"consumer":   consumer,
		"moved":      moved,
		"processing": len(processing),
	}).Info("ledger: reconciliation started")
	return true
}

// SnapshotProcessing returns a copy of the processing set for consumer.
func (l *Ledger) SnapshotProcessing(consumer model.ConsumerKind) map[string]model.ChangeNotification {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make(map[string]model.ChangeNotification, len(l.processing[consumer]))
	for recordType, n := range l.processing[consumer] {
		snapshot[recordType] = n
	}
	return snapshot
}

// GetCheckpoints returns a copy of the checkpoints for consumer.
func (l *Ledger) GetCheckpoints(consumer model.ConsumerKind) map[string]model.VersionToken {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]model.VersionToken, len(l.checkpoints[consumer]))
	for recordType, token := range l.checkpoints[consumer] {
		out[recordType] = token
	}
	return out
}

// Commit settles every record type in the processing set for consumer.
// Types in succeeded advance to their new checkpoint and leave the ledger;
// all others return to the dirty set. A new checkpoint older than the
// current one is ignored.
func (l *Ledger) Commit(consumer model.ConsumerKind, newCheckpoints map[string]model.VersionToken, succeeded []string) {
	ok := make(map[string]struct{}, len(succeeded))
	for _, t := range succeeded {
		ok[t] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	processing := l.processing[consumer]
	checkpoints := l.checkpoints[consumer]
	var committed, returned []string

	for recordType, n := range processing {
		delete(processing, recordType)

		if _, success := ok[recordType]; success {
			if token, has := newCheckpoints[recordType]; has && !token.IsEmpty() {
				current := checkpoints[recordType]
				if current.Before(token) {
					checkpoints[recordType] = token
				} else if token.Before(current) {
					logrus.WithFields(logrus.Fields{
						"record_type": recordType,
						"consumer":    consumer,
						"current":     current,
						"proposed":    token,
					}).Warn("ledger: refusing to regress checkpoint")
				}
			}
			committed = append(committed, recordType)
		} else {
			l.dirty[consumer][recordType] = n
			returned = append(returned, recordType)
		}

		if parked, has := l.parked[consumer][recordType]; has {
			l.dirty[consumer][recordType] = parked
			delete(l.parked[consumer], recordType)
		}
	}

	sort.Strings(committed)
	sort.Strings(returned)
	logrus.WithFields(logrus.Fields{
		"consumer":  consumer,
		"committed": committed,
		"returned":  returned,
	}).Info("ledger: reconciliation committed")
}

// Pending returns the dirty record types for consumer, sorted.
func (l *Ledger) Pending(consumer model.ConsumerKind) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.dirty[consumer]))
	for recordType := range l.dirty[consumer] {
		out = append(out, recordType)
	}
	sort.Strings(out)
	return out
}

// IsDirty reports whether recordType is waiting in the dirty set for consumer.
func (l *Ledger) IsDirty(consumer model.ConsumerKind, recordType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.dirty[consumer][recordType]
	return ok
}

// IsProcessing reports whether recordType is claimed by the current pass.
func (l *Ledger) IsProcessing(consumer model.ConsumerKind, recordType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processing[consumer][recordType]
	return ok
}

// IsPending reports whether recordType will be reconciled by the next pass
// for consumer, either because it is dirty or because an aborted pass left
// it in processing.
func (l *Ledger) IsPending(consumer model.ConsumerKind, recordType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.dirty[consumer][recordType]; ok {
		return true
	}
	_, ok := l.processing[consumer][recordType]
	return ok
}

// Stats returns counts for consumer.
func (l *Ledger) Stats(consumer model.ConsumerKind) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Dirty:       len(l.dirty[consumer]),
		Processing:  len(l.processing[consumer]),
		Parked:      len(l.parked[consumer]),
		Checkpoints: len(l.checkpoints[consumer]),
	}
}

// MetadataDirty reports whether a structural change is waiting for refresh.
func (l *Ledger) MetadataDirty() bool {
	l.metaMu.RLock()
	defer l.metaMu.RUnlock()
	return l.metadataDirty
}

// SetMetadataDirty sets or clears the metadata flag.
func (l *Ledger) SetMetadataDirty(dirty bool) {
	l.metaMu.Lock()
	l.metadataDirty = dirty
	l.metaMu.Unlock()

	logrus.WithField("metadata_dirty", dirty).Debug("ledger: metadata flag updated")
}

// ClearMetadataDirty clears the flag and reports whether it was set.
func (l *Ledger) ClearMetadataDirty() bool {
	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	was := l.metadataDirty
	l.metadataDirty = false
	return was
}
