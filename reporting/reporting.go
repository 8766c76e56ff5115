// Package reporting exports journal entries to CSV and Parquet, in the
// writeCSV/writeParquet shape of recon.Reconciler's report generation,
// narrowed from a multi-currency branch reconciliation report to a single
// community's settlement ledger.
package reporting

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/store"
)

// LineRow is one journal line flattened for export, joined with its parent
// entry's metadata.
type LineRow struct {
	EntryID        uuid.UUID
	EntryType      string
	IdempotencyKey string
	AuctionID      *uuid.UUID
	CreatedAt      time.Time
	AccountID      uuid.UUID
	Amount         string
}

// ExportSettlements loads every journal line for community between start
// and end (inclusive) and writes it to both a CSV and a Parquet file under
// dir, returning the paths written.
func ExportSettlements(ctx context.Context, db *gorm.DB, communityID uuid.UUID, start, end time.Time, dir string) (csvPath, parquetPath string, err error) {
	rows, err := loadLines(ctx, db, communityID, start, end)
	if err != nil {
		return "", "", err
	}
	if len(rows) == 0 {
		return "", "", nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("reporting: ensure output dir: %w", err)
	}
	base := fmt.Sprintf("settlement_%s_%s_%s", communityID.String(), start.Format("20060102"), end.Format("20060102"))

	csvPath = filepath.Join(dir, base+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath = filepath.Join(dir, base+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func loadLines(ctx context.Context, db *gorm.DB, communityID uuid.UUID, start, end time.Time) ([]LineRow, error) {
	var entries []store.JournalEntry
	err := db.WithContext(ctx).
		Preload("Lines").
		Where("community_id = ? AND created_at BETWEEN ? AND ?", communityID, start, end).
		Order("created_at").
		Find(&entries).Error
	if err != nil {
		return nil, engineerr.External(err)
	}

	rows := make([]LineRow, 0, len(entries))
	for _, e := range entries {
		for _, l := range e.Lines {
			rows = append(rows, LineRow{
				EntryID:        e.ID,
				EntryType:      e.EntryType,
				IdempotencyKey: e.IdempotencyKey,
				AuctionID:      e.AuctionID,
				CreatedAt:      e.CreatedAt,
				AccountID:      l.AccountID,
				Amount:         l.Amount.String(),
			})
		}
	}
	return rows, nil
}

func writeCSV(path string, rows []LineRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reporting: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{"entry_id", "entry_type", "idempotency_key", "auction_id", "created_at", "account_id", "amount"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("reporting: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.EntryID.String(),
			row.EntryType,
			row.IdempotencyKey,
			auctionIDString(row.AuctionID),
			row.CreatedAt.Format(time.RFC3339),
			row.AccountID.String(),
			row.Amount,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reporting: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reporting: flush csv: %w", err)
	}
	return nil
}

type parquetLineRow struct {
	EntryID        string `parquet:"name=entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntryType      string `parquet:"name=entry_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	IdempotencyKey string `parquet:"name=idempotency_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	AuctionID      string `parquet:"name=auction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccountID      string `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount         string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []LineRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reporting: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetLineRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reporting: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetLineRow{
			EntryID:        row.EntryID.String(),
			EntryType:      row.EntryType,
			IdempotencyKey: row.IdempotencyKey,
			AuctionID:      auctionIDString(row.AuctionID),
			CreatedAt:      row.CreatedAt.Format(time.RFC3339),
			AccountID:      row.AccountID.String(),
			Amount:         row.Amount,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reporting: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reporting: parquet flush: %w", err)
	}
	return file.Close()
}

func auctionIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
