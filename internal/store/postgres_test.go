package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"go-gateway/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PostgresStore{Conn: db}
	msg := models.NewMessage()
	msg.SetProperty("to", "123")
	props, err := json.Marshal(msg.Properties)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO gateway_messages").
		WithArgs(msg.Reference, int(models.StatusCreated), int(models.DirectionUnknown), "", "", props, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	require.NoError(t, s.SaveOrUpdate(context.Background(), msg))
	assert.Equal(t, int64(42), msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PostgresStore{Conn: db}
	msg := models.NewMessage()
	msg.ID = 7
	msg.Status = models.StatusFailed

	mock.ExpectExec("UPDATE gateway_messages").
		WithArgs(msg.Reference, int(models.StatusFailed), sqlmock.AnyArg(), "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveOrUpdate(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PostgresStore{Conn: db}
	msg := models.NewMessage()
	msg.ID = 99

	mock.ExpectExec("UPDATE gateway_messages").WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.SaveOrUpdate(context.Background(), msg)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PostgresStore{Conn: db}
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "reference", "status", "direction", "source", "destination", "properties", "creation_time", "modification_time"}).
		AddRow(1, "ref-1", int(models.StatusFailed), int(models.DirectionToConnections), "app", "smpp", []byte(`{"to":"123"}`), now, now).
		AddRow(2, "ref-2", int(models.StatusFailed), int(models.DirectionToApplications), "smpp", "app", []byte(`{}`), now, now)

	mock.ExpectQuery(regexp.QuoteMeta(selectMessageColumns+" WHERE status = ANY($1) ORDER BY creation_time ASC LIMIT $2")).
		WithArgs(pq.Int64Array{int64(models.StatusFailed)}, 10).
		WillReturnRows(rows)

	list, err := s.List(context.Background(), Criteria{
		Statuses: []models.Status{models.StatusFailed},
		OrderBy:  OrderByCreationTime,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ref-1", list[0].Reference)
	assert.Equal(t, models.DirectionToConnections, list[0].Direction)
	assert.Equal(t, "123", list[0].PropertyString("to"))
	assert.Equal(t, models.DirectionToApplications, list[1].Direction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PostgresStore{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE gateway_messages SET status = $1, modification_time = $2 WHERE direction = $3 AND properties @> $4::jsonb")).
		WithArgs(int(models.StatusRetrying), sqlmock.AnyArg(), int(models.DirectionToConnections), `{"to":"123"}`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.UpdateStatus(context.Background(), Criteria{
		Direction:  models.DirectionToConnections,
		Properties: map[string]any{"to": "123"},
	}, models.StatusRetrying)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildWhere_Empty(t *testing.T) {
	where, args := buildWhere(Criteria{}, 1)
	assert.Empty(t, where)
	assert.Empty(t, args)
}
