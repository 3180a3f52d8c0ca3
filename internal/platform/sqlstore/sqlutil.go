package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/taskd/internal/store"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// jsonArg binds raw JSON as text, or NULL when empty.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// jsonText encodes v for a JSON column.
func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: cannot encode JSON column: %v", store.ErrInvalidEntity, err)
	}
	return string(b), nil
}

// optionalJSON encodes v, binding NULL when present is false.
func optionalJSON(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	return jsonText(v)
}

func unmarshalNull(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func rawNull(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// placeholders returns "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// inTx runs fn on a transaction when db can begin one; a store already bound
// to a transaction runs fn directly on it.
func inTx(ctx context.Context, db store.DBTX, fn func(q store.DBTX) error) error {
	beginner, ok := db.(store.TxBeginner)
	if !ok {
		return fn(db)
	}
	return store.RunInTransaction(ctx, beginner, func(ctx context.Context, tx *sql.Tx) error {
		return fn(tx)
	})
}
