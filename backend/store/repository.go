package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

func (s *Store) CreateUpstreamErrorLog(ctx context.Context, item UpstreamErrorLog) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO upstream_error_logs (
		site, endpoint, method, stage, http_status, attempt, retryable, request_query, response_headers, response_body, error_message, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Site,
		item.Endpoint,
		item.Method,
		item.Stage,
		item.HTTPStatus,
		item.Attempt,
		boolToInt(item.Retryable),
		item.RequestQuery,
		item.ResponseHeaders,
		item.ResponseBody,
		item.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) ListUpstreamErrorLogs(ctx context.Context, limit int, endpointKeyword string) ([]UpstreamErrorLog, error) {
	limit = clampLimit(limit, 100, 2000)
	query := `SELECT id, site, endpoint, method, stage, http_status, attempt, retryable, request_query, response_headers, response_body, error_message, created_at
	FROM upstream_error_logs`
	args := make([]any, 0, 2)
	keyword := strings.TrimSpace(endpointKeyword)
	if keyword != "" {
		query += ` WHERE endpoint LIKE ?`
		args = append(args, "%"+keyword+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]UpstreamErrorLog, 0, limit)
	for rows.Next() {
		var item UpstreamErrorLog
		var retryable int
		var createdAt string
		if err := rows.Scan(
			&item.ID,
			&item.Site,
			&item.Endpoint,
			&item.Method,
			&item.Stage,
			&item.HTTPStatus,
			&item.Attempt,
			&retryable,
			&item.RequestQuery,
			&item.ResponseHeaders,
			&item.ResponseBody,
			&item.ErrorMessage,
			&createdAt,
		); err != nil {
			return nil, err
		}
		item.Retryable = retryable == 1
		item.CreatedAt = parseSQLiteTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CleanupOldDataBefore(ctx context.Context, cutoff time.Time, batchSize int) (CleanupStats, error) {
	if cutoff.IsZero() {
		return CleanupStats{}, errors.New("cutoff is required")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchSize > 5000 {
		batchSize = 5000
	}

	stats := CleanupStats{}
	var err error
	if stats.UpstreamErrorLogs, err = s.batchDeleteBefore(ctx, "upstream_error_logs", "created_at", cutoff, batchSize); err != nil {
		return CleanupStats{}, err
	}
	stats.Total = stats.UpstreamErrorLogs
	return stats, nil
}

func (s *Store) batchDeleteBefore(ctx context.Context, table string, timeColumn string, cutoff time.Time, batchSize int) (int64, error) {
	total := int64(0)
	cutoffValue := cutoff.UTC().Format(time.RFC3339Nano)
	round := 0
	for {
		if ctx != nil && ctx.Err() != nil {
			return total, ctx.Err()
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE %s IS NOT NULL AND datetime(%s) < datetime(?) LIMIT ?
		)`, table, table, timeColumn, timeColumn)
		result, err := s.db.ExecContext(ctx, query, cutoffValue, batchSize)
		if err != nil {
			return total, err
		}
		affected, affErr := result.RowsAffected()
		if affErr != nil {
			return total, affErr
		}
		total += affected
		if affected < int64(batchSize) {
			break
		}
		round++
		if round%5 == 0 {
			time.Sleep(15 * time.Millisecond)
		}
	}
	return total, nil
}

func (s *Store) Vacuum(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
		return err
	}
	return nil
}

func (s *Store) DBStats(ctx context.Context) (DBStats, error) {
	stats := DBStats{DBPath: s.dbPath}
	if strings.TrimSpace(s.dbPath) == "" {
		return stats, errors.New("empty db path")
	}
	if fileInfo, err := os.Stat(s.dbPath); err == nil {
		stats.DBSizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(s.dbPath + "-wal"); err == nil {
		stats.WALSizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(s.dbPath + "-shm"); err == nil {
		stats.SHMSizeBytes = fileInfo.Size()
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count;`).Scan(&stats.PageCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size;`).Scan(&stats.PageSize); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count;`).Scan(&stats.FreeListCount); err != nil {
		return stats, err
	}
	if stats.PageCount > stats.FreeListCount && stats.PageSize > 0 {
		stats.EstimatedInUse = (stats.PageCount - stats.FreeListCount) * stats.PageSize
	}
	return stats, nil
}

func clampLimit(limit int, fallback int, max int) int {
	if fallback <= 0 {
		fallback = 100
	}
	if max <= 0 {
		max = fallback
	}
	if limit <= 0 {
		limit = fallback
	}
	if limit > max {
		limit = max
	}
	return limit
}

func parseSQLiteTime(raw string) time.Time {
	layoutCandidates := []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00"}
	for _, layout := range layoutCandidates {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
