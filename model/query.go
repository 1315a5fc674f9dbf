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

// ChangeQuery asks the backing store for journal entries of one record type
// past SinceVersion. Versions in queries, results and checkpoints are journal
// positions that only move forward once everything below them has settled;
// ChangeRecord.Version is the entry's own sequence number.
type ChangeQuery struct {
	RecordType   string
	KeyAttribute string
	SinceVersion int64
}

// ChangeResult answers one ChangeQuery. Err is set when this sub-request
// faulted; the other results in the batch are unaffected.
type ChangeResult struct {
	RecordType string
	Records    []ChangeRecord
	MaxVersion int64
	HasMore    bool
	Err        error
}
