package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

func sampleRecord() harvest.IngestRecord {
	found := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return harvest.IngestRecord{
		ID:        "0192f0c4-0000-7000-8000-000000000001",
		SessionID: "session-1",
		Lead: harvest.Lead{
			Identity:          "France",
			CanonicalURL:      "https://shop.example/",
			MerchantName:      "Shop",
			ComparisonService: "PriceGrabber",
			Query:             "running shoes",
			DiscoveredAt:      found,
		},
		Email:       "info@shop.example",
		Status:      harvest.IngestCreated,
		StatusCode:  201,
		AttemptedAt: found.Add(time.Second),
	}
}

func TestRecordAttemptInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewWithPool(mock, "")
	require.NoError(t, err)

	rec := sampleRecord()
	mock.ExpectExec("INSERT INTO lead_attempts").
		WithArgs(
			rec.ID,
			rec.SessionID,
			"France",
			"https://shop.example/",
			"Shop",
			"PriceGrabber",
			"running shoes",
			"info@shop.example",
			"created",
			201,
			"",
			rec.Lead.DiscoveredAt,
			rec.AttemptedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.RecordAttempt(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttemptWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewWithPool(mock, "audit_leads")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_leads").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = ledger.RecordAttempt(context.Background(), sampleRecord())
	require.ErrorContains(t, err, "insert lead attempt")
	require.NoError(t, mock.ExpectationsWereMet())

	rec := sampleRecord()
	rec.ID = ""
	require.Error(t, ledger.RecordAttempt(context.Background(), rec))
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS lead_attempts").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, ledger.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "leads; DROP TABLE x")
	require.Error(t, err)

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}
