package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/linkvault/internal/model"
)

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はゼロ値をsql.NullTimeに変換する。
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// tokenColumns はTokenBundleを3カラム分のNULL許容値に分解する。
func tokenColumns(tb *model.TokenBundle) (sql.NullString, sql.NullString, sql.NullTime) {
	if tb == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullTime{}
	}
	return nullString(tb.AccessToken), nullString(tb.RefreshToken), nullTime(tb.ExpiresAt)
}

// tokenBundle は3カラムからTokenBundleを組み立てる。アクセストークンがない場合はnil。
func tokenBundle(access, refresh sql.NullString, expiresAt sql.NullTime) *model.TokenBundle {
	if !access.Valid || access.String == "" {
		return nil
	}
	tb := &model.TokenBundle{
		AccessToken:  access.String,
		RefreshToken: nullStringValue(refresh),
	}
	if expiresAt.Valid {
		tb.ExpiresAt = expiresAt.Time
	}
	return tb
}

// isForeignKeyViolation はPostgreSQLの外部キー制約違反（23503）かを判定する。
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
