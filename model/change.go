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

package model

import "time"

// OperationKind is the kind of change a notification or change record describes.
type OperationKind string

const (
	OperationCreate          OperationKind = "Create"
	OperationUpdate          OperationKind = "Update"
	OperationDelete          OperationKind = "Delete"
	OperationAssociate       OperationKind = "Associate"
	OperationDisassociate    OperationKind = "Disassociate"
	OperationMetadataChanged OperationKind = "MetadataChanged"
)

// Valid reports whether o is one of the known operation kinds.
func (o OperationKind) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationAssociate, OperationDisassociate, OperationMetadataChanged:
		return true
	}
	return false
}

// ConsumerKind identifies a downstream consumer with its own checkpoint stream.
type ConsumerKind string

const (
	ConsumerCache       ConsumerKind = "cache"
	ConsumerSearchIndex ConsumerKind = "search_index"
)

// ConsumerKinds lists every consumer in the order a pass visits them.
var ConsumerKinds = []ConsumerKind{ConsumerCache, ConsumerSearchIndex}

// AllRecordTypes addresses a notification to every tracked record type. A
// bus sends it when notifications may have been lost.
const AllRecordTypes = "*"

// ChangeNotification is the "something changed" signal delivered by the bus.
// It is not authoritative and carries no payload beyond the record type.
type ChangeNotification struct {
	RecordType string        `json:"record_type"`
	Operation  OperationKind `json:"operation"`
	MessageID  string        `json:"message_id"`
	SentAt     time.Time     `json:"sent_at"`
	ReceivedAt time.Time     `json:"-"`
}

// ChangeRecord is an authoritative delta read from the backing store.
type ChangeRecord struct {
	RecordType  string                 `json:"record_type"`
	RecordID    string                 `json:"record_id"`
	Operation   OperationKind          `json:"operation"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	RelatedKeys map[string]string      `json:"related_keys,omitempty"`
	Version     int64                  `json:"version"`
	ModifiedAt  time.Time              `json:"modified_at"`
}

// ChangeSet is the result of one incremental query for a single record type.
// Since is the token the query started from; Token is the checkpoint to
// commit once the records are applied. HasMore is set when the store capped
// the result and further changes remain past Token.
type ChangeSet struct {
	Since   VersionToken
	Token   VersionToken
	Records []ChangeRecord
	HasMore bool
}

// LinkInfo describes a many-to-many link record type and the two entity
// types it joins.
type LinkInfo struct {
	RelationshipName string `json:"relationship_name"`
	FromType         string `json:"from_type"`
	FromAttribute    string `json:"from_attribute"`
	ToType           string `json:"to_type"`
	ToAttribute      string `json:"to_attribute"`
}

// RecordTypeInfo is cached schema metadata for a record type.
type RecordTypeInfo struct {
	RecordType         string    `json:"record_type"`
	KeyAttribute       string    `json:"key_attribute"`
	ScopeLinkAttribute string    `json:"scope_link_attribute,omitempty"`
	Link               *LinkInfo `json:"link,omitempty"`
}

// Resolvable reports whether enough schema is known to query deltas.
func (i *RecordTypeInfo) Resolvable() bool {
	return i != nil && i.KeyAttribute != ""
}

// IsLink reports whether records of this type are relationship edges.
func (i *RecordTypeInfo) IsLink() bool {
	return i != nil && i.Link != nil
}
