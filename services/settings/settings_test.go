package settings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetauth/services/hosts"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const selectSetting = `SELECT \* FROM "settings" WHERE key = \$1`

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	orm, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := New(orm)
	require.NoError(t, err)
	store.Now = func() time.Time { return fixedNow }
	return store, mock
}

func settingRow(key, value string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "value", "updated_at"}).AddRow(key, value, fixedNow)
}

func noRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "value", "updated_at"})
}

func TestVersionInfoHostOverrideWins(t *testing.T) {
	store, mock := newStoreWithMock(t)
	override := " 0.40.0 "

	v, err := store.VersionInfo(context.Background(), &hosts.Host{ClientVersionOverride: &override})
	require.NoError(t, err)
	assert.Equal(t, Versions{ClientVersion: "0.40.0", Source: SourceLocked}, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionInfoGlobalLockHasNoCheckedAt(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectQuery(selectSetting).WillReturnRows(settingRow(KeyClientVersionLock, "0.39.1"))

	v, err := store.VersionInfo(context.Background(), &hosts.Host{})
	require.NoError(t, err)
	assert.Equal(t, "0.39.1", v.ClientVersion)
	assert.Equal(t, SourceLocked, v.Source)
	assert.Nil(t, v.CheckedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionInfoLatestCarriesCheckedAt(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectQuery(selectSetting).WillReturnRows(noRows())
	mock.ExpectQuery(selectSetting).WillReturnRows(settingRow(KeyClientVersionLatest, "0.41.0"))
	mock.ExpectQuery(selectSetting).WillReturnRows(settingRow(KeyClientVersionCheckedAt, "2026-03-01T06:00:00Z"))

	v, err := store.VersionInfo(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "0.41.0", v.ClientVersion)
	assert.Equal(t, SourceLatest, v.Source)
	require.NotNil(t, v.CheckedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), *v.CheckedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetVersionLockEmptyDeletes(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectExec(`DELETE FROM "settings" WHERE key = \$1`).
		WithArgs(KeyClientVersionLock).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetVersionLock(context.Background(), "  "))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetVersionLockUpserts(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs(KeyClientVersionLock, "0.39.1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetVersionLock(context.Background(), "0.39.1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetQuotaWeekPartitionKeepsPreviousOnInvalidInput(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectQuery(selectSetting).WillReturnRows(settingRow(KeyQuotaWeekPartition, "5"))

	value, changed, err := store.SetQuotaWeekPartition(context.Background(), "6")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 5, value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetQuotaWeekPartitionStoresNormalized(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs(KeyQuotaWeekPartition, "0", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	value, changed, err := store.SetQuotaWeekPartition(context.Background(), "off")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckerRecordsLatestRelease(t *testing.T) {
	store, mock := newStoreWithMock(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"tag_name":"rust-v0.42.0","name":"0.42.0"}`))
	}))
	defer srv.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs(KeyClientVersionLatest, "0.42.0", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs(KeyClientVersionCheckedAt, fixedNow.Format(time.RFC3339), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	checker := NewChecker(store, srv.URL, srv.Client(), zerolog.Nop())
	checker.Now = func() time.Time { return fixedNow }

	version, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.42.0", version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckerRejectsBadFeed(t *testing.T) {
	store, mock := newStoreWithMock(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewChecker(store, srv.URL, srv.Client(), zerolog.Nop()).Check(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "1.2.3", normalizeTag("v1.2.3"))
	assert.Equal(t, "0.42.0", normalizeTag("rust-v0.42.0"))
	assert.Equal(t, "2026.1", normalizeTag(" 2026.1 "))
}
