//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/godaddy/datasafe"
	"github.com/godaddy/datasafe/pkg/storage"
	"github.com/godaddy/datasafe/pkg/storage/storagetest"
)

const (
	portProtocolMySQL = "3306/tcp"
	mysqlDatabase     = "datasafe"
	mysqlPassword     = "Password123"

	createTableQuery = `CREATE TABLE datasafe_blob (
  location VARCHAR(1024) COLLATE utf8mb4_bin NOT NULL PRIMARY KEY,
  data     LONGBLOB      NOT NULL
)`
)

// mysqlDSN starts MySQL in a container unless DISABLE_TESTCONTAINERS is set, in which case MYSQL_HOSTNAME
// (default localhost) is used.
func mysqlDSN(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	var (
		disable bool
		err     error
		host    string
		port    nat.Port
	)

	if val, ok := os.LookupEnv("DISABLE_TESTCONTAINERS"); ok {
		disable, err = strconv.ParseBool(val)
		require.NoError(t, err)
	}

	if disable {
		host = os.Getenv("MYSQL_HOSTNAME")
		if host == "" {
			host = "localhost"
		}

		port = portProtocolMySQL
	} else {
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mysql:8",
				ExposedPorts: []string{portProtocolMySQL},
				Env: map[string]string{
					"MYSQL_ROOT_PASSWORD": mysqlPassword,
					"MYSQL_DATABASE":      mysqlDatabase,
				},
				WaitingFor: wait.ForListeningPort(portProtocolMySQL).WithStartupTimeout(2 * time.Minute),
			},
			Started: true,
		})
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("unable to terminate container: %v", err)
			}
		})

		host, err = container.Host(ctx)
		require.NoError(t, err)

		port, err = container.MappedPort(ctx, portProtocolMySQL)
		require.NoError(t, err)
	}

	return fmt.Sprintf("root:%s@tcp(%s:%s)/%s", mysqlPassword, host, port.Port(), mysqlDatabase)
}

func TestMySQLSuite(t *testing.T) {
	s, err := storage.OpenMySQL(mysqlDSN(t), storage.WithListPageSize(2))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.DB().Close() })

	db := s.DB()

	for tries := 1; ; tries++ {
		if err = db.Ping(); err == nil {
			break
		}

		require.Less(t, tries, 10, "mysql did not come up: %v", err)
		time.Sleep(3 * time.Second)
	}

	suite.Run(t, &storagetest.Suite{
		Setup: func(t *testing.T) (datasafe.Storage, string) {
			_, err := db.Exec("DROP TABLE IF EXISTS datasafe_blob")
			require.NoError(t, err)

			_, err = db.Exec(createTableQuery)
			require.NoError(t, err)

			return s, "s3://datasafe/"
		},
	})
}
