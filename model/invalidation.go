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

// EntityReference points at a single record by type and id. An empty ID
// means the record is known only by type.
type EntityReference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// InvalidationMessage is the canonical message applied by cache and search sinks.
type InvalidationMessage struct {
	TargetType       string            `json:"target_type"`
	TargetID         string            `json:"target_id"`
	TargetName       string            `json:"target_name,omitempty"`
	RelatedEntities  []EntityReference `json:"related_entities,omitempty"`
	RelationshipName string            `json:"relationship_name,omitempty"`
	Operation        OperationKind     `json:"operation"`
}

// MetadataRefreshMessage asks a sink to reload its structural caches.
func MetadataRefreshMessage() InvalidationMessage {
	return InvalidationMessage{Operation: OperationMetadataChanged}
}

// IsMetadataRefresh reports whether m is a full metadata refresh.
func (m InvalidationMessage) IsMetadataRefresh() bool {
	return m.Operation == OperationMetadataChanged
}

// GroupByTargetType buckets messages by target type, preserving order within
// each bucket.
func GroupByTargetType(messages []InvalidationMessage) map[string][]InvalidationMessage {
	groups := make(map[string][]InvalidationMessage)
	for _, m := range messages {
		groups[m.TargetType] = append(groups[m.TargetType], m)
	}
	return groups
}
