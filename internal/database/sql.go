package database

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"stokbro/internal/models"
)

var recordColumns = []string{
	"id", "owner", "original_url", "permanent_url", "format", "file_name",
	"file_size_mb", "download_count", "created_at", "updated_at",
}

// sqlQueries builds statements for one SQL dialect
type sqlQueries struct {
	sb         sq.StatementBuilderType
	table      string
	quotaTable string
}

func newSQLQueries(ph sq.PlaceholderFormat, table, quotaTable string) sqlQueries {
	return sqlQueries{
		sb:         sq.StatementBuilder.PlaceholderFormat(ph),
		table:      table,
		quotaTable: quotaTable,
	}
}

func (q sqlQueries) insertRecord(r *models.DownloadRecord) (string, []interface{}, error) {
	return q.sb.Insert(q.table).
		Columns(recordColumns...).
		Values(r.ID, r.Owner, r.OriginalURL, r.PermanentURL, string(r.Format), r.FileName,
			r.FileSizeMB, r.DownloadCount, r.CreatedAt, r.UpdatedAt).
		ToSql()
}

func (q sqlQueries) selectRecord(id string) (string, []interface{}, error) {
	return q.sb.Select(recordColumns...).From(q.table).Where(sq.Eq{"id": id}).ToSql()
}

func (q sqlQueries) updatePermanentURL(id, permanentURL string, sizeMB float64, now time.Time) (string, []interface{}, error) {
	return q.sb.Update(q.table).
		Set("permanent_url", permanentURL).
		Set("file_size_mb", sizeMB).
		Set("updated_at", now).
		Where(sq.Eq{"id": id}).
		ToSql()
}

func (q sqlQueries) incrementDownloadCount(id string, now time.Time) (string, []interface{}, error) {
	return q.sb.Update(q.table).
		Set("download_count", sq.Expr("download_count + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"id": id}).
		ToSql()
}

func (q sqlQueries) listRecords(owner string, page, perPage int) (string, []interface{}, error) {
	return q.sb.Select(recordColumns...).
		From(q.table).
		Where(sq.Eq{"owner": owner}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(perPage)).
		Offset(uint64((page - 1) * perPage)).
		ToSql()
}

func (q sqlQueries) countRecords(owner string) (string, []interface{}, error) {
	return q.sb.Select("COUNT(*)").From(q.table).Where(sq.Eq{"owner": owner}).ToSql()
}

func (q sqlQueries) selectQuota(userID string) (string, []interface{}, error) {
	return q.sb.Select("used", "credit_limit").From(q.quotaTable).Where(sq.Eq{"user_id": userID}).ToSql()
}

// upsertQuota inserts a ledger row or increments an existing one. suffix
// carries the dialect's conflict clause.
func (q sqlQueries) upsertQuota(userID string, n, defaultLimit int, suffix string) (string, []interface{}, error) {
	return q.sb.Insert(q.quotaTable).
		Columns("user_id", "used", "credit_limit").
		Values(userID, n, defaultLimit).
		Suffix(suffix).
		ToSql()
}

// rowScanner is satisfied by pgx.Row, *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.DownloadRecord, error) {
	var r models.DownloadRecord
	var format string
	if err := row.Scan(&r.ID, &r.Owner, &r.OriginalURL, &r.PermanentURL, &format, &r.FileName,
		&r.FileSizeMB, &r.DownloadCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Format = models.Format(format)
	return &r, nil
}

func postgresSchema(table, quotaTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	original_url TEXT NOT NULL,
	permanent_url TEXT NOT NULL,
	format TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_size_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
	download_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_created_idx ON %s (owner, created_at DESC)`, table, table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_id TEXT PRIMARY KEY,
	used INTEGER NOT NULL DEFAULT 0,
	credit_limit INTEGER NOT NULL
)`, quotaTable),
	}
}

func mysqlSchema(table, quotaTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	owner VARCHAR(255) NOT NULL,
	original_url TEXT NOT NULL,
	permanent_url TEXT NOT NULL,
	format VARCHAR(16) NOT NULL,
	file_name VARCHAR(512) NOT NULL,
	file_size_mb DOUBLE NOT NULL DEFAULT 0,
	download_count INT NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	INDEX owner_created_idx (owner, created_at)
)`, table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_id VARCHAR(255) PRIMARY KEY,
	used INT NOT NULL DEFAULT 0,
	credit_limit INT NOT NULL
)`, quotaTable),
	}
}
