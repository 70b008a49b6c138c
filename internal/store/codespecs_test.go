package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestCreateCodespecAssignsVersionFromStore(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO codespecs`).
		WithArgs("proc", CodespecKindJob, "img:latest", "", "", 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

	c, err := s.CreateCodespec(context.Background(), Codespec{
		Name:          "proc",
		Kind:          CodespecKindJob,
		Image:         "img:latest",
		Replicas:      1,
		InputBuffers:  []string{"in"},
		OutputBuffers: []string{"out"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCodespecRejectsOverlappingBufferNames(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.CreateCodespec(context.Background(), Codespec{
		Name:          "proc",
		Image:         "img:latest",
		InputBuffers:  []string{"shared"},
		OutputBuffers: []string{"shared"},
	})
	require.Error(t, err)
}

func TestGetCodespecLatestVersionWhenVersionNotPositive(t *testing.T) {
	s, mock := newMockStore(t)

	body, err := json.Marshal(codespecBody{OutputBuffers: []string{"out"}})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM codespecs WHERE name = \$1 ORDER BY version DESC LIMIT 1`).
		WithArgs("proc").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "version", "kind", "image", "working_dir", "identity_hint", "replicas", "body", "created_at",
		}).AddRow("proc", 5, CodespecKindJob, "img:latest", "", "", 1, body, time.Now()))

	c, err := s.GetCodespec(context.Background(), "proc", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Version)
	assert.Equal(t, []string{"out"}, c.OutputBuffers)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCodespecNotFoundWrapsNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM codespecs WHERE name = \$1 AND version = \$2`).
		WithArgs("missing", 2).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetCodespec(context.Background(), "missing", 2)
	require.Error(t, err)
}
