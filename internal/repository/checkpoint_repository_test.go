package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/mattiacalastri/btc-predictions/internal/model"
)

func checkpointColumns() []string {
	return []string{
		"id", "chain_id", "block_number", "block_hash",
		"processed_at", "created_at", "updated_at",
	}
}

func eventColumns() []string {
	return []string{
		"id", "chain_id", "block_number", "tx_hash", "log_index",
		"event_type", "event_data", "processed", "created_at", "updated_at",
	}
}

func TestCheckpointRepository_GetByChainID_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	rows := sqlmock.NewRows(checkpointColumns()).AddRow(
		1, 137, 65000000, "0xblockhash", now, now, now,
	)

	mock.ExpectQuery(`SELECT \* FROM "audit_block_checkpoints" WHERE chain_id = \$1 ORDER BY "audit_block_checkpoints"\."id" LIMIT \$2`).
		WithArgs(int64(137), 1).
		WillReturnRows(rows)

	checkpoint, err := repo.GetByChainID(ctx, 137)

	assert.NoError(t, err)
	assert.NotNil(t, checkpoint)
	assert.Equal(t, int64(65000000), checkpoint.BlockNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepository_GetByChainID_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "audit_block_checkpoints" WHERE chain_id = \$1 ORDER BY "audit_block_checkpoints"\."id" LIMIT \$2`).
		WithArgs(int64(1), 1).
		WillReturnError(gorm.ErrRecordNotFound)

	checkpoint, err := repo.GetByChainID(ctx, 1)

	assert.Nil(t, checkpoint)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepository_UpdateBlockNumber_Existing(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "audit_block_checkpoints" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateBlockNumber(ctx, 137, 65000001, "0xnewhash")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepository_UpdateBlockNumber_CreatesWhenMissing(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "audit_block_checkpoints" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "audit_block_checkpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := repo.UpdateBlockNumber(ctx, 137, 65000001, "0xnewhash")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepository_CreateEvent(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()

	event := &model.ChainEvent{
		ChainID:     137,
		BlockNumber: 65000000,
		TxHash:      "0xtxhash",
		LogIndex:    3,
		EventType:   model.ChainEventTypeCommitted,
		EventData:   `{"bet_id":42}`,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "audit_chain_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := repo.CreateEvent(ctx, event)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepository_ListUnprocessedEvents(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	rows := sqlmock.NewRows(eventColumns()).
		AddRow(1, 137, 65000000, "0xtx1", 0, model.ChainEventTypeCommitted, `{"bet_id":42}`, false, now, now).
		AddRow(2, 137, 65000001, "0xtx2", 1, model.ChainEventTypeResolved, `{"bet_id":42}`, false, now, now)

	mock.ExpectQuery(`SELECT \* FROM "audit_chain_events" WHERE chain_id = \$1 AND processed = \$2 ORDER BY block_number ASC, log_index ASC LIMIT \$3`).
		WithArgs(int64(137), false, 100).
		WillReturnRows(rows)

	events, err := repo.ListUnprocessedEvents(ctx, 137, 100)

	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, model.ChainEventTypeCommitted, events[0].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepository_MarkEventProcessed_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewCheckpointRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "audit_chain_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.MarkEventProcessed(ctx, 999)

	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
