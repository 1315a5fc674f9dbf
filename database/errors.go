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

package database

import (
	"database/sql"
	"errors"

	"github.com/blnkfinance/contentsync/internal/retry"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
)

// ErrRecordNotFound is returned by point lookups that match no row.
var ErrRecordNotFound = errors.New("record not found")

// classify wraps err with context and marks faults that a retry can repair.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	wrapped := pkgerrors.Wrap(err, msg)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return retry.MarkTransient(wrapped)
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return retry.MarkTransient(wrapped)
		case pqErr.Code == "57P01", pqErr.Code == "57P03":
			return retry.MarkTransient(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, sql.ErrConnDone) || retry.IsTransient(err) {
		return retry.MarkTransient(wrapped)
	}
	return wrapped
}
