package repository

import (
	"context"
	"os"
	"testing"

	"github.com/go-tick/periodic/internal/migration"
	"github.com/stretchr/testify/require"
)

// TestConnEnv names the environment variable holding the connection string
// of a disposable Postgres database used by integration tests.
const TestConnEnv = "PERIODIC_TEST_CONN"

// TestStore migrates the database named by TestConnEnv, truncates the
// periodic tables and returns a Store on it. The test is skipped when the
// variable is unset.
func TestStore(t testing.TB) (Store, string) {
	t.Helper()

	conn := os.Getenv(TestConnEnv)
	if conn == "" {
		t.Skipf("%s not set", TestConnEnv)
	}

	require.NoError(t, migration.Up(conn))

	st, err := Open(context.Background(), conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := st.(*store)
	_, err = s.db.ExecContext(context.Background(), `TRUNCATE periodic_task_execution, periodic_scheduled_task RESTART IDENTITY`)
	require.NoError(t, err)

	return st, conn
}
