package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go-gateway/pkg/models"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS gateway_messages (
	id BIGSERIAL PRIMARY KEY,
	reference TEXT NOT NULL,
	status SMALLINT NOT NULL,
	direction SMALLINT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	properties JSONB NOT NULL DEFAULT '{}',
	creation_time TIMESTAMPTZ NOT NULL,
	modification_time TIMESTAMPTZ NOT NULL
)`

const selectMessageColumns = `SELECT id, reference, status, direction, source, destination, properties, creation_time, modification_time FROM gateway_messages`

// PostgresStore persists messages in a Postgres table.
type PostgresStore struct {
	Conn *sql.DB
}

// OpenPostgres opens a connection pool and verifies it.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{Conn: db}, nil
}

// Migrate creates the messages table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.Conn.ExecContext(ctx, createMessagesTable)
	return errors.Wrap(err, "create gateway_messages")
}

func (s *PostgresStore) Close() error {
	return s.Conn.Close()
}

func (s *PostgresStore) SaveOrUpdate(ctx context.Context, msg *models.Message) error {
	props, err := json.Marshal(msg.Properties)
	if err != nil {
		return errors.Wrap(err, "marshal properties")
	}

	now := time.Now()
	if msg.CreationTime.IsZero() {
		msg.CreationTime = now
	}
	msg.ModificationTime = now

	if !msg.IsPersisted() {
		err := s.Conn.QueryRowContext(ctx, `
			INSERT INTO gateway_messages (reference, status, direction, source, destination, properties, creation_time, modification_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			msg.Reference, int(msg.Status), int(msg.Direction), msg.Source, msg.Destination, props, msg.CreationTime, msg.ModificationTime,
		).Scan(&msg.ID)
		return errors.Wrap(err, "insert message")
	}

	res, err := s.Conn.ExecContext(ctx, `
		UPDATE gateway_messages
		SET reference = $1, status = $2, direction = $3, source = $4, destination = $5, properties = $6, modification_time = $7
		WHERE id = $8`,
		msg.Reference, int(msg.Status), int(msg.Direction), msg.Source, msg.Destination, props, msg.ModificationTime, msg.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update message %d", msg.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrRejected, "message %d does not exist", msg.ID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, criteria Criteria) ([]*models.Message, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	where, args := buildWhere(criteria, 1)
	var query strings.Builder
	query.WriteString(selectMessageColumns)
	query.WriteString(where)
	if criteria.OrderBy != OrderByNone {
		query.WriteString(" ORDER BY ")
		query.WriteString(string(criteria.OrderBy))
		if criteria.Order == Descending {
			query.WriteString(" DESC")
		} else {
			query.WriteString(" ASC")
		}
	}
	if criteria.Limit > 0 {
		args = append(args, criteria.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := s.Conn.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			status    int
			direction int
			props     []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Reference, &status, &direction, &msg.Source, &msg.Destination, &props, &msg.CreationTime, &msg.ModificationTime); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Status = models.Status(status)
		msg.Direction = models.Direction(direction)
		if len(props) > 0 {
			if err := json.Unmarshal(props, &msg.Properties); err != nil {
				return nil, errors.Wrapf(err, "unmarshal properties of message %d", msg.ID)
			}
		}
		if msg.Properties == nil {
			msg.Properties = make(map[string]any)
		}
		result = append(result, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return result, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, criteria Criteria, status models.Status) (int64, error) {
	if err := criteria.Validate(); err != nil {
		return 0, err
	}

	where, args := buildWhere(criteria, 3)
	query := "UPDATE gateway_messages SET status = $1, modification_time = $2" + where
	args = append([]any{int(status), time.Now()}, args...)

	res, err := s.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "update message status")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

// buildWhere renders the criteria filters with placeholders numbered from first.
func buildWhere(c Criteria, first int) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", first+len(args)-1)
	}

	if len(c.Statuses) > 0 {
		statuses := make([]int64, len(c.Statuses))
		for i, st := range c.Statuses {
			statuses[i] = int64(st)
		}
		clauses = append(clauses, "status = ANY("+next(pq.Int64Array(statuses))+")")
	}
	if c.Direction != models.DirectionUnknown {
		clauses = append(clauses, "direction = "+next(int(c.Direction)))
	}
	if c.Destination != "" {
		clauses = append(clauses, "destination = "+next(c.Destination))
	}
	if len(c.Properties) > 0 {
		props, _ := json.Marshal(c.Properties)
		clauses = append(clauses, "properties @> "+next(string(props))+"::jsonb")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
