// Package testdb provides utilities specifically for database testing.
//
// Tests get a freshly migrated database from Open. By default this is a
// SQLite file under t.TempDir(), so store tests run without external
// services. When DATABASE_URL is set the same tests run against Postgres
// instead, with every table truncated before the test starts.
//
//	func TestMyFeature(t *testing.T) {
//	    db := testdb.Open(t)
//	    s := sqlstore.NewTaskStore(db, testdb.Logger(t))
//	    ...
//	}
//
// WithTx runs a function inside a transaction that is always rolled back.
package testdb
