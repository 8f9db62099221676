package state

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/sync-client/testutils"
)

// Empty when no postgres is available; the accumulator and receipt tests are
// pure in-memory and still run, only the Storage tests need a database.
var postgresConnectionString = ""

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("syncclient_test_state")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	if postgresConnectionString == "" {
		t.Skip("no postgres database configured")
	}
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}
