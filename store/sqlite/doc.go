// Package sqlite implements store.Store on SQLite using database/sql and
// mattn/go-sqlite3. Suitable for embedded deployments, CLI tools, and tests.
//
//	s, err := sqlite.New("file:acidic.db?_busy_timeout=5000&_journal_mode=WAL")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Timestamps are stored as fixed-width UTC text so they order correctly
// under string comparison. Step handlers reach the open transaction with
// [Tx]. SQLITE_BUSY and SQLITE_LOCKED are reported as
// acidic.ErrSerializationFailure.
package sqlite
