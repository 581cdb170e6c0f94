package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "facts", []string{"row_id", "period"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"facts"}, []string{"row_id", "period"}).WillReturnResult(3)

	rows := [][]any{{"r1", "FY2023"}, {"r2", "FY2023"}, {"r3", "FY2024"}}
	n, err := CopyFrom(context.Background(), mock, "facts", []string{"row_id", "period"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"facts"}, []string{"row_id"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"r1"}}
	_, err = CopyFrom(context.Background(), mock, "facts", []string{"row_id"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO facts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_InsideTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"aliases"}, []string{"alias", "entity_id"}).WillReturnResult(2)
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	rows := [][]any{{"acme", "ACME_CORP"}, {"acme inc", "ACME_CORP"}}
	n, err := CopyFrom(ctx, tx, "aliases", []string{"alias", "entity_id"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
