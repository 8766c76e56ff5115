package reporting

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/money"
	"github.com/tinylvt/tinylvt/store"
)

func setupReportingTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	require.NoError(t, store.AutoMigrate(db), "migrate")
	return db
}

func TestExportSettlements(t *testing.T) {
	db := setupReportingTestDB(t)
	communityID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	acctA := store.Account{ID: uuid.New(), CommunityID: communityID, Type: store.AccountCommunityTreasury, BalanceCached: money.Zero}
	acctB := store.Account{ID: uuid.New(), CommunityID: communityID, Type: store.AccountMemberMain, BalanceCached: money.Zero}
	require.NoError(t, db.Create(&acctA).Error, "create treasury account")
	require.NoError(t, db.Create(&acctB).Error, "create member account")

	entry := store.JournalEntry{
		ID:             uuid.New(),
		CommunityID:    communityID,
		EntryType:      store.EntryAuctionSettlement,
		IdempotencyKey: "test:settlement",
		CreatedAt:      now,
		Lines: []store.JournalLine{
			{ID: uuid.New(), AccountID: acctA.ID, Amount: money.MustNew("10.00")},
			{ID: uuid.New(), AccountID: acctB.ID, Amount: money.MustNew("-10.00")},
		},
	}
	require.NoError(t, db.Create(&entry).Error, "create journal entry")

	dir := t.TempDir()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)

	csvPath, parquetPath, err := ExportSettlements(context.Background(), db, communityID, start, end, dir)
	require.NoError(t, err, "ExportSettlements")
	require.NotEmpty(t, csvPath, "expected a non-empty csv path")
	require.NotEmpty(t, parquetPath, "expected a non-empty parquet path")

	_, err = os.Stat(csvPath)
	require.NoError(t, err, "csv file missing")
	_, err = os.Stat(parquetPath)
	require.NoError(t, err, "parquet file missing")
}

func TestExportSettlementsEmptyWindow(t *testing.T) {
	db := setupReportingTestDB(t)
	dir := t.TempDir()
	now := time.Now().UTC()

	csvPath, parquetPath, err := ExportSettlements(context.Background(), db, uuid.New(), now, now.Add(time.Hour), dir)
	require.NoError(t, err, "ExportSettlements")
	require.Empty(t, csvPath, "expected no csv file for an empty window")
	require.Empty(t, parquetPath, "expected no parquet file for an empty window")
}
