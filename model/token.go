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
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tokenSeparator = "!"

// VersionToken is an opaque checkpoint of the form "<version>!<unix-seconds>".
// The version part bounds delta queries; the timestamp part records when the
// token was produced.
type VersionToken string

// NewVersionToken composes a token from a journal version and a wall clock time.
func NewVersionToken(version int64, at time.Time) VersionToken {
	return VersionToken(fmt.Sprintf("%d%s%d", version, tokenSeparator, at.Unix()))
}

// IsEmpty reports whether no checkpoint has been recorded.
func (t VersionToken) IsEmpty() bool {
	return t == ""
}

// Parse splits the token into its version and timestamp parts.
func (t VersionToken) Parse() (int64, time.Time, error) {
	parts := strings.SplitN(string(t), tokenSeparator, 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("malformed version token %q", string(t))
	}
	version, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed version in token %q: %w", string(t), err)
	}
	seconds, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed timestamp in token %q: %w", string(t), err)
	}
	return version, time.Unix(seconds, 0).UTC(), nil
}

// Version returns the version part, or zero when the token is empty or malformed.
func (t VersionToken) Version() int64 {
	v, _, err := t.Parse()
	if err != nil {
		return 0
	}
	return v
}

// Timestamp returns the timestamp part, or the zero time when the token is
// empty or malformed.
func (t VersionToken) Timestamp() time.Time {
	_, ts, err := t.Parse()
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Before reports whether t bounds an earlier point in the change stream than
// other. An empty token is before everything except another empty token.
func (t VersionToken) Before(other VersionToken) bool {
	if t.IsEmpty() {
		return !other.IsEmpty()
	}
	if other.IsEmpty() {
		return false
	}
	return t.Version() < other.Version()
}
