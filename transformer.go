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
	"github.com/blnkfinance/contentsync/model"
	"github.com/sirupsen/logrus"
)

// nameAttributes lists the record types that carry a human readable name.
var nameAttributes = map[string]string{
	"websites":         "name",
	"web_pages":        "name",
	"web_files":        "name",
	"web_links":        "name",
	"web_link_sets":    "name",
	"content_snippets": "name",
	"site_markers":     "name",
	"site_settings":    "name",
	"web_roles":        "name",
}

// DescriptorSource hands out cached record type descriptors.
type DescriptorSource interface {
	Descriptor(recordType string) (*model.RecordTypeInfo, bool)
}

// Transformer maps change records to invalidation messages.
type Transformer struct {
	descriptors DescriptorSource
}

func NewTransformer(descriptors DescriptorSource) *Transformer {
	return &Transformer{descriptors: descriptors}
}

// Transform maps records in order. Records without a descriptor, or with an
// operation that has no invalidation meaning, are dropped with a warning.
func (t *Transformer) Transform(records []model.ChangeRecord) []model.InvalidationMessage {
	messages := make([]model.InvalidationMessage, 0, len(records))
	for _, record := range records {
		msg, ok := t.TransformRecord(record)
		if ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// TransformRecord maps a single record.
func (t *Transformer) TransformRecord(record model.ChangeRecord) (model.InvalidationMessage, bool) {
	log := logrus.WithFields(logrus.Fields{
		"record_type": record.RecordType,
		"record_id":   record.RecordID,
		"operation":   record.Operation,
	})

	info, ok := t.descriptors.Descriptor(record.RecordType)
	if !ok || info == nil {
		log.Warn("no descriptor for change record, dropping it")
		return model.InvalidationMessage{}, false
	}

	switch record.Operation {
	case model.OperationCreate, model.OperationUpdate, model.OperationAssociate:
		if info.IsLink() {
			return linkMessage(record, info.Link, model.OperationAssociate), true
		}
		op := record.Operation
		if op == model.OperationAssociate {
			op = model.OperationUpdate
		}
		return model.InvalidationMessage{
			TargetType: record.RecordType,
			TargetID:   record.RecordID,
			TargetName: recordName(record),
			Operation:  op,
		}, true

	case model.OperationDelete, model.OperationDisassociate:
		if info.IsLink() {
			return linkMessage(record, info.Link, model.OperationDisassociate), true
		}
		return model.InvalidationMessage{
			TargetType: record.RecordType,
			TargetID:   record.RecordID,
			Operation:  model.OperationDelete,
		}, true
	}

	log.Warn("change record operation has no invalidation mapping, dropping it")
	return model.InvalidationMessage{}, false
}

// linkMessage addresses a link record by the edge it represents. Endpoint
// ids come from the attributes or, on delete, from the journalled keys;
// ids that are not known are left empty.
func linkMessage(record model.ChangeRecord, link *model.LinkInfo, op model.OperationKind) model.InvalidationMessage {
	return model.InvalidationMessage{
		TargetType: link.FromType,
		TargetID:   endpointID(record, link.FromAttribute),
		RelatedEntities: []model.EntityReference{
			{Type: link.ToType, ID: endpointID(record, link.ToAttribute)},
		},
		RelationshipName: link.RelationshipName,
		Operation:        op,
	}
}

func endpointID(record model.ChangeRecord, attribute string) string {
	if v, ok := record.Attributes[attribute]; ok && v != nil {
		return stringValue(v)
	}
	return record.RelatedKeys[attribute]
}

func recordName(record model.ChangeRecord) string {
	attribute, ok := nameAttributes[record.RecordType]
	if !ok {
		return ""
	}
	name, _ := record.Attributes[attribute].(string)
	return name
}
