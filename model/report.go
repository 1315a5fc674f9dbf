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

// ConsumerReport summarizes one consumer's share of an invalidation pass.
type ConsumerReport struct {
	Consumer    ConsumerKind `json:"consumer"`
	RecordTypes []string     `json:"record_types"`
	Records     int          `json:"records"`
	Messages    int          `json:"messages"`
	Succeeded   []string     `json:"succeeded"`
	Failed      []string     `json:"failed"`
}

// PassReport summarizes an invalidation pass.
type PassReport struct {
	StartedAt         time.Time        `json:"started_at"`
	Duration          time.Duration    `json:"duration"`
	Consumers         []ConsumerReport `json:"consumers"`
	MetadataRefreshed bool             `json:"metadata_refreshed"`
	Skipped           bool             `json:"skipped"`
	Aborted           bool             `json:"aborted"`
}
