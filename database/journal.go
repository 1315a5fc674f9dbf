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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/blnkfinance/contentsync/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Journal positions are the ids of the transactions that wrote the entries.
// Sequence values are handed out at insert but become visible at commit, so
// ordering by version alone lets a slow transaction commit behind a
// checkpoint. Reads are therefore ordered by (xact_id, version) and stop at
// the oldest transaction that may still be running: nothing can commit
// below that horizon later.
const committedHorizon = `xact_id < pg_snapshot_xmin(pg_current_snapshot())`

// journalCursor is the last entry read: the transaction position plus the
// version inside it.
type journalCursor struct {
	xact    int64
	version int64
}

// LatestVersion reads the newest settled position recorded
// for recordType. found is false when the journal has no entry for it.
func (d *Datasource) LatestVersion(ctx context.Context, recordType string) (version int64, found bool, err error) {
	ctx, span := otel.Tracer("contentsync.database").Start(ctx, "Probing latest journal version")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT xact_id::text::bigint
		FROM contentsync.sync_journal
		WHERE record_type = $1 AND `+committedHorizon+`
		ORDER BY xact_id DESC
		LIMIT 1
	`, recordType)

	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, classify(err, "read latest version")
	}
	return version, true, nil
}

// FetchChanges answers every query inside one read-only transaction. Each
// sub-request runs under its own savepoint so a faulted query is reported
// in its result and does not poison the rest of the batch. The returned
// error is reserved for faults that affect the whole batch.
func (d *Datasource) FetchChanges(ctx context.Context, queries []model.ChangeQuery) ([]model.ChangeResult, error) {
	ctx, span := otel.Tracer("contentsync.database").Start(ctx, "Fetching journal changes")
	defer span.End()
	span.SetAttributes(attribute.Int("queries", len(queries)))

	if len(queries) == 0 {
		return nil, nil
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, classify(err, "begin change batch")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	results := make([]model.ChangeResult, 0, len(queries))
	for i, q := range queries {
		savepoint := fmt.Sprintf("changes_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return nil, classify(err, "create savepoint")
		}

		result := d.queryChanges(ctx, tx, q)
		if result.Err != nil {
			logrus.WithFields(logrus.Fields{
				"record_type":   q.RecordType,
				"since_version": q.SinceVersion,
			}).WithError(result.Err).Warn("change sub-request faulted")

			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
				return nil, classify(err, "rollback savepoint")
			}
		} else if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			return nil, classify(err, "release savepoint")
		}
		results = append(results, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit change batch")
	}
	return results, nil
}

func (d *Datasource) queryChanges(ctx context.Context, tx *sql.Tx, q model.ChangeQuery) model.ChangeResult {
	result := model.ChangeResult{RecordType: q.RecordType, MaxVersion: q.SinceVersion}
	cursor := journalCursor{xact: q.SinceVersion, version: math.MaxInt64}

	maxPages := d.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	for page := 0; page < maxPages; page++ {
		records, next, err := d.queryChangePage(ctx, tx, q.RecordType, cursor)
		if err != nil {
			return model.ChangeResult{RecordType: q.RecordType, Err: err}
		}
		result.Records = append(result.Records, records...)
		cursor = next
		if len(records) < d.PageSize {
			result.MaxVersion = cursor.xact
			return result
		}
	}

	// The page cap can split a transaction; finish it so the checkpoint
	// lands on a transaction boundary.
	tail, err := d.queryTransactionTail(ctx, tx, q.RecordType, cursor)
	if err != nil {
		return model.ChangeResult{RecordType: q.RecordType, Err: err}
	}
	result.Records = append(result.Records, tail...)
	result.MaxVersion = cursor.xact
	result.HasMore = true
	return result
}

func (d *Datasource) queryChangePage(ctx context.Context, tx *sql.Tx, recordType string, cursor journalCursor) ([]model.ChangeRecord, journalCursor, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT version, xact_id::text::bigint, record_id, operation, modified_at, attributes, related_keys
		FROM contentsync.sync_journal
		WHERE record_type = $1
			AND (xact_id, version) > ($2::text::xid8, $3)
			AND `+committedHorizon+`
		ORDER BY xact_id ASC, version ASC
		LIMIT $4
	`, recordType, cursor.xact, cursor.version, d.PageSize)
	if err != nil {
		return nil, cursor, classify(err, "query journal")
	}
	defer rows.Close()
	return scanJournal(rows, recordType, cursor)
}

func (d *Datasource) queryTransactionTail(ctx context.Context, tx *sql.Tx, recordType string, cursor journalCursor) ([]model.ChangeRecord, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT version, xact_id::text::bigint, record_id, operation, modified_at, attributes, related_keys
		FROM contentsync.sync_journal
		WHERE record_type = $1 AND xact_id = $2::text::xid8 AND version > $3
		ORDER BY version ASC
	`, recordType, cursor.xact, cursor.version)
	if err != nil {
		return nil, classify(err, "query journal transaction tail")
	}
	defer rows.Close()

	records, _, err := scanJournal(rows, recordType, cursor)
	return records, err
}

func scanJournal(rows *sql.Rows, recordType string, cursor journalCursor) ([]model.ChangeRecord, journalCursor, error) {
	var records []model.ChangeRecord
	for rows.Next() {
		var (
			record     model.ChangeRecord
			xact       int64
			operation  string
			modifiedAt time.Time
			attributes []byte
			keys       []byte
		)
		if err := rows.Scan(&record.Version, &xact, &record.RecordID, &operation, &modifiedAt, &attributes, &keys); err != nil {
			return nil, cursor, classify(err, "scan journal row")
		}

		record.RecordType = recordType
		record.Operation = model.OperationKind(operation)
		record.ModifiedAt = modifiedAt
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &record.Attributes); err != nil {
				return nil, cursor, errors.Wrapf(err, "decode attributes for %s/%s", recordType, record.RecordID)
			}
		}
		if len(keys) > 0 {
			if err := json.Unmarshal(keys, &record.RelatedKeys); err != nil {
				return nil, cursor, errors.Wrapf(err, "decode related keys for %s/%s", recordType, record.RecordID)
			}
		}
		records = append(records, record)
		cursor = journalCursor{xact: xact, version: record.Version}
	}

	if err := rows.Err(); err != nil {
		return nil, cursor, classify(err, "iterate journal rows")
	}
	return records, cursor, nil
}
