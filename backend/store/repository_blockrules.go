package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var ErrInvalidBlockRule = errors.New("invalid danmaku block rule")

func NormalizeBlockRuleKind(kind string) (BlockRuleKind, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "keyword", "text", "t":
		return BlockRuleKeyword, true
	case "regex", "r":
		return BlockRuleRegex, true
	case "user", "u":
		return BlockRuleUser, true
	default:
		return "", false
	}
}

func (s *Store) ListDanmakuBlockRules(ctx context.Context, enabledOnly bool) ([]DanmakuBlockRule, error) {
	query := `SELECT id, kind, pattern, enabled, created_at, updated_at FROM danmaku_block_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]DanmakuBlockRule, 0, 32)
	for rows.Next() {
		var item DanmakuBlockRule
		var kind string
		var enabled int
		var createdAt, updatedAt string
		if err := rows.Scan(&item.ID, &kind, &item.Pattern, &enabled, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		item.Kind = BlockRuleKind(kind)
		item.Enabled = enabled == 1
		item.CreatedAt = parseSQLiteTime(createdAt)
		item.UpdatedAt = parseSQLiteTime(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveDanmakuBlockRule inserts the rule or updates the enabled flag of the existing
// rule with the same kind and pattern.
func (s *Store) SaveDanmakuBlockRule(ctx context.Context, rule DanmakuBlockRule) (*DanmakuBlockRule, error) {
	var saved *DanmakuBlockRule
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := upsertBlockRule(ctx, tx, rule)
		if err != nil {
			return err
		}
		saved = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ImportDanmakuBlockRules saves every rule in one transaction and returns how many
// rows were written.
func (s *Store) ImportDanmakuBlockRules(ctx context.Context, rules []DanmakuBlockRule) (int, error) {
	count := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rule := range rules {
			if _, err := upsertBlockRule(ctx, tx, rule); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) DeleteDanmakuBlockRule(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid id")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM danmaku_block_rules WHERE id = ?`, id)
	return err
}

func upsertBlockRule(ctx context.Context, tx *sql.Tx, rule DanmakuBlockRule) (*DanmakuBlockRule, error) {
	kind, ok := NormalizeBlockRuleKind(string(rule.Kind))
	pattern := strings.TrimSpace(rule.Pattern)
	if !ok || pattern == "" {
		return nil, ErrInvalidBlockRule
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO danmaku_block_rules (kind, pattern, enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(kind, pattern) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		string(kind), pattern, boolToInt(rule.Enabled), now, now,
	); err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `SELECT id, enabled, created_at, updated_at FROM danmaku_block_rules WHERE kind = ? AND pattern = ?`, string(kind), pattern)
	item := DanmakuBlockRule{Kind: kind, Pattern: pattern}
	var enabled int
	var createdAt, updatedAt string
	if err := row.Scan(&item.ID, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item.Enabled = enabled == 1
	item.CreatedAt = parseSQLiteTime(createdAt)
	item.UpdatedAt = parseSQLiteTime(updatedAt)
	return &item, nil
}
