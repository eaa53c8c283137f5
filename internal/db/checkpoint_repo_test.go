package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRepository_Get_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCheckpointRepository(db)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{testDID}).Return(scanValues(ts))

	got, ok, err := repo.Get(context.Background(), testDID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ts, got)
}

func TestCheckpointRepository_Get_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCheckpointRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	got, ok, err := repo.Get(context.Background(), testDID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, got.IsZero())
}

func TestCheckpointRepository_Get_Error(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCheckpointRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("down")})

	_, _, err := repo.Get(context.Background(), testDID)
	assert.Error(t, err)
}

func TestCheckpointRepository_Advance(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCheckpointRepository(db)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	db.On("Exec", mock.Anything, mock.Anything, []any{testDID, ts.UTC()}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Advance(context.Background(), testDID, ts))
	db.AssertExpectations(t)
}

func TestCheckpointRepository_PruneExcept_NilBecomesEmptyArray(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCheckpointRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, []any{[]string{}}).
		Return(pgconn.NewCommandTag("DELETE 2"), nil)

	n, err := repo.PruneExcept(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMigrate(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, schemaSQL, mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, Migrate(context.Background(), db))
	db.AssertExpectations(t)
}

func TestMigrate_Error(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("denied"))

	assert.Error(t, Migrate(context.Background(), db))
}
