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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVersionTokenRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	token := NewVersionToken(100, at)

	assert.Equal(t, VersionToken("100!1700000000"), token)

	version, ts, err := token.Parse()
	assert.NoError(t, err)
	assert.Equal(t, int64(100), version)
	assert.True(t, at.Equal(ts))
}

func TestVersionTokenMalformed(t *testing.T) {
	tests := []struct {
		name  string
		token VersionToken
	}{
		{name: "empty", token: ""},
		{name: "no separator", token: "100"},
		{name: "bad version", token: "abc!1"},
		{name: "bad timestamp", token: "1!abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.token.Parse()
			assert.Error(t, err)
			assert.Equal(t, int64(0), tt.token.Version())
			assert.True(t, tt.token.Timestamp().IsZero())
		})
	}
}

func TestVersionTokenBefore(t *testing.T) {
	now := time.Now()
	low := NewVersionToken(10, now)
	high := NewVersionToken(11, now.Add(-time.Hour))

	assert.True(t, low.Before(high))
	assert.False(t, high.Before(low))
	assert.False(t, low.Before(low))
	assert.True(t, VersionToken("").Before(low))
	assert.False(t, low.Before(""))
	assert.False(t, VersionToken("").Before(""))
}

func TestGroupByTargetTypePreservesOrder(t *testing.T) {
	messages := []InvalidationMessage{
		{TargetType: "web_pages", TargetID: "1", Operation: OperationUpdate},
		{TargetType: "web_files", TargetID: "2", Operation: OperationUpdate},
		{TargetType: "web_pages", TargetID: "3", Operation: OperationDelete},
	}

	groups := GroupByTargetType(messages)
	assert.Len(t, groups, 2)
	assert.Equal(t, []string{"1", "3"}, []string{groups["web_pages"][0].TargetID, groups["web_pages"][1].TargetID})
	assert.Len(t, groups["web_files"], 1)
}

func TestOperationKindValid(t *testing.T) {
	assert.True(t, OperationAssociate.Valid())
	assert.True(t, OperationMetadataChanged.Valid())
	assert.False(t, OperationKind("Upsert").Valid())
}
