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
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/contentsync/internal/retry"
	"github.com/blnkfinance/contentsync/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDatasource(t *testing.T, pageSize int) (*Datasource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, "public", pageSize), mock
}

func TestNewDefaults(t *testing.T) {
	ds := New(nil, "", 0)
	assert.Equal(t, "public", ds.Schema)
	assert.Equal(t, defaultPageSize, ds.PageSize)
	assert.Equal(t, defaultMaxPages, ds.MaxPages)
}

func TestConnectDB_Failure(t *testing.T) {
	db, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, db)
}

const latestVersionQuery = `SELECT xact_id::text::bigint FROM contentsync.sync_journal`

func TestLatestVersion(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery(regexp.QuoteMeta(latestVersionQuery)).
		WithArgs("web_pages").
		WillReturnRows(sqlmock.NewRows([]string{"xact_id"}).AddRow(int64(101)))

	version, found, err := ds.LatestVersion(context.Background(), "web_pages")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(101), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestVersion_EmptyJournal(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery(regexp.QuoteMeta(latestVersionQuery)).
		WithArgs("web_files").
		WillReturnError(sql.ErrNoRows)

	version, found, err := ds.LatestVersion(context.Background(), "web_files")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), version)
}

func TestLatestVersion_ConnectionFaultIsTransient(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery(regexp.QuoteMeta(latestVersionQuery)).
		WithArgs("web_files").
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

	_, _, err := ds.LatestVersion(context.Background(), "web_files")
	assert.Error(t, err)
	assert.True(t, retry.IsTransient(err))
}

func journalRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"version", "xact_id", "record_id", "operation", "modified_at", "attributes", "related_keys"})
}

func TestFetchChanges_IsolatesFaultedSubRequest(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)
	modified := time.Now().UTC().Truncate(time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM contentsync.sync_journal").
		WithArgs("web_pages", int64(4), int64(math.MaxInt64), 10).
		WillReturnRows(journalRows().
			AddRow(int64(5), int64(6), "p1", "Update", modified, []byte(`{"web_page_id":"p1","name":"Home"}`), nil).
			AddRow(int64(7), int64(8), "p2", "Delete", modified, nil, nil).
			AddRow(int64(9), int64(8), "l1", "Delete", modified, nil, []byte(`{"web_page_id":"p1","web_role_id":"r1"}`)))
	mock.ExpectExec("RELEASE SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT changes_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM contentsync.sync_journal").
		WithArgs("web_files", int64(0), int64(math.MaxInt64), 10).
		WillReturnError(errors.New("relation does not exist"))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT changes_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	results, err := ds.FetchChanges(context.Background(), []model.ChangeQuery{
		{RecordType: "web_pages", KeyAttribute: "web_page_id", SinceVersion: 4},
		{RecordType: "web_files", KeyAttribute: "web_file_id", SinceVersion: 0},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	pages := results[0]
	assert.NoError(t, pages.Err)
	assert.Equal(t, int64(8), pages.MaxVersion)
	assert.False(t, pages.HasMore)
	require.Len(t, pages.Records, 3)
	assert.Equal(t, int64(5), pages.Records[0].Version)
	assert.Equal(t, model.OperationUpdate, pages.Records[0].Operation)
	assert.Equal(t, "Home", pages.Records[0].Attributes["name"])
	assert.Equal(t, model.OperationDelete, pages.Records[1].Operation)
	assert.Nil(t, pages.Records[1].Attributes)
	assert.Nil(t, pages.Records[1].RelatedKeys)
	assert.Equal(t, map[string]string{"web_page_id": "p1", "web_role_id": "r1"}, pages.Records[2].RelatedKeys)

	assert.Error(t, results[1].Err)
	assert.Equal(t, "web_files", results[1].RecordType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchChanges_ReadsOnlySettledTransactions(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)
	modified := time.Now().UTC()

	// Transaction 900 took version 11 after transaction 901 took version 10
	// but committed first. Entries come back in transaction order and the
	// position follows the transaction, not the sequence.
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("AND xact_id < pg_snapshot_xmin(pg_current_snapshot()) ORDER BY xact_id ASC, version ASC")).
		WithArgs("web_pages", int64(899), int64(math.MaxInt64), 10).
		WillReturnRows(journalRows().
			AddRow(int64(11), int64(900), "p2", "Update", modified, []byte(`{}`), nil).
			AddRow(int64(10), int64(901), "p1", "Update", modified, []byte(`{}`), nil))
	mock.ExpectExec("RELEASE SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	results, err := ds.FetchChanges(context.Background(), []model.ChangeQuery{{RecordType: "web_pages", SinceVersion: 899}})
	require.NoError(t, err)
	require.Len(t, results[0].Records, 2)
	assert.Equal(t, "p2", results[0].Records[0].RecordID)
	assert.Equal(t, "p1", results[0].Records[1].RecordID)
	assert.Equal(t, int64(901), results[0].MaxVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchChanges_PagesUntilShortPage(t *testing.T) {
	ds, mock := newMockDatasource(t, 2)
	modified := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM contentsync.sync_journal").
		WithArgs("web_pages", int64(0), int64(math.MaxInt64), 2).
		WillReturnRows(journalRows().
			AddRow(int64(1), int64(20), "p1", "Create", modified, []byte(`{}`), nil).
			AddRow(int64(2), int64(20), "p2", "Create", modified, []byte(`{}`), nil))
	mock.ExpectQuery("FROM contentsync.sync_journal").
		WithArgs("web_pages", int64(20), int64(2), 2).
		WillReturnRows(journalRows().
			AddRow(int64(3), int64(21), "p3", "Update", modified, []byte(`{}`), nil))
	mock.ExpectExec("RELEASE SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	results, err := ds.FetchChanges(context.Background(), []model.ChangeQuery{{RecordType: "web_pages", KeyAttribute: "web_page_id"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Records, 3)
	assert.Equal(t, int64(21), results[0].MaxVersion)
	assert.False(t, results[0].HasMore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchChanges_EmptyKeepsPosition(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM contentsync.sync_journal").
		WithArgs("web_pages", int64(42), int64(math.MaxInt64), 10).
		WillReturnRows(journalRows())
	mock.ExpectExec("RELEASE SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	results, err := ds.FetchChanges(context.Background(), []model.ChangeQuery{{RecordType: "web_pages", SinceVersion: 42}})
	require.NoError(t, err)
	assert.Empty(t, results[0].Records)
	assert.Equal(t, int64(42), results[0].MaxVersion)
}

func TestFetchChanges_MaxPagesFinishesTransaction(t *testing.T) {
	ds, mock := newMockDatasource(t, 1)
	ds.MaxPages = 1
	modified := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM contentsync.sync_journal").
		WithArgs("web_pages", int64(0), int64(math.MaxInt64), 1).
		WillReturnRows(journalRows().AddRow(int64(1), int64(40), "p1", "Create", modified, []byte(`{}`), nil))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE record_type = $1 AND xact_id = $2::text::xid8 AND version > $3")).
		WithArgs("web_pages", int64(40), int64(1)).
		WillReturnRows(journalRows().AddRow(int64(2), int64(40), "p2", "Create", modified, []byte(`{}`), nil))
	mock.ExpectExec("RELEASE SAVEPOINT changes_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	results, err := ds.FetchChanges(context.Background(), []model.ChangeQuery{{RecordType: "web_pages"}})
	require.NoError(t, err)
	assert.True(t, results[0].HasMore)
	assert.Len(t, results[0].Records, 2)
	assert.Equal(t, int64(40), results[0].MaxVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchChanges_BeginFailureIsFatal(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	results, err := ds.FetchChanges(context.Background(), []model.ChangeQuery{{RecordType: "web_pages"}})
	assert.Error(t, err)
	assert.Nil(t, results)
}

func TestFetchChanges_NoQueries(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)
	results, err := ds.FetchChanges(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup_FiltersAttributes(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery(`SELECT to_jsonb`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"to_jsonb"}).
			AddRow([]byte(`{"web_page_id":"p1","name":"Home","website_id":"site-1"}`)))

	row, err := ds.Lookup(context.Background(), "web_pages", "web_page_id", "p1", []string{"website_id", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"website_id": "site-1"}, row)
}

func TestLookup_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery(`SELECT to_jsonb`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := ds.Lookup(context.Background(), "web_pages", "web_page_id", "missing", nil)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestChildPages(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery("WITH RECURSIVE descendants").
		WithArgs("root").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("child-1").AddRow("grandchild-1"))

	ids, err := ds.ChildPages(context.Background(), "root")
	assert.NoError(t, err)
	assert.Equal(t, []string{"child-1", "grandchild-1"}, ids)
}

func TestListIDs(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery(`SELECT t."web_file_id"::text FROM "public"."web_files" t`).
		WillReturnRows(sqlmock.NewRows([]string{"web_file_id"}).AddRow("f1").AddRow("f2"))

	ids, err := ds.ListIDs(context.Background(), "web_files", "web_file_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeRecordType_LinkTable(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "web_page_roles").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("web_page_role_id"))
	mock.ExpectQuery("FOREIGN KEY").
		WithArgs("public", "web_page_roles", "websites").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("website_id"))
	mock.ExpectQuery("FROM contentsync.sync_relationships").
		WithArgs("web_page_roles").
		WillReturnRows(sqlmock.NewRows([]string{"relationship_name", "from_type", "from_attribute", "to_type", "to_attribute"}).
			AddRow("web_page_roles", "web_pages", "web_page_id", "web_roles", "web_role_id"))

	info, err := ds.DescribeRecordType(context.Background(), "web_page_roles", "websites")
	require.NoError(t, err)
	assert.Equal(t, "web_page_role_id", info.KeyAttribute)
	assert.Equal(t, "website_id", info.ScopeLinkAttribute)
	require.True(t, info.IsLink())
	assert.Equal(t, "web_roles", info.Link.ToType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeRecordType_UnresolvableKey(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "ghost_table").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}))

	info, err := ds.DescribeRecordType(context.Background(), "ghost_table", "websites")
	require.NoError(t, err)
	assert.False(t, info.Resolvable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeRecordType_NoScopeNoLink(t *testing.T) {
	ds, mock := newMockDatasource(t, 10)

	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "websites").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("website_id"))
	mock.ExpectQuery("FROM contentsync.sync_relationships").
		WithArgs("websites").
		WillReturnError(sql.ErrNoRows)

	info, err := ds.DescribeRecordType(context.Background(), "websites", "websites")
	require.NoError(t, err)
	assert.Equal(t, "website_id", info.KeyAttribute)
	assert.Empty(t, info.ScopeLinkAttribute)
	assert.False(t, info.IsLink())
}
