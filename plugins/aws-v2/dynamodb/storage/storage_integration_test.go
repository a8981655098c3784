//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"

	"github.com/godaddy/datasafe"
	"github.com/godaddy/datasafe/pkg/storage/storagetest"
	"github.com/godaddy/datasafe/plugins/aws-v2/dynamodb/storage"
)

const (
	portProtocolDynamoDB = "8000/tcp"
	maxTriesDynamoDB     = 5
	waitTimeDynamoDB     = 10 * time.Second
)

// dynamoDBEndpoint starts DynamoDB Local in a container unless DISABLE_TESTCONTAINERS is set, in which case
// DYNAMODB_HOSTNAME (default localhost) is used.
func dynamoDBEndpoint(t *testing.T) string {
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
		host = os.Getenv("DYNAMODB_HOSTNAME")
		if host == "" {
			host = "localhost"
		}

		port = portProtocolDynamoDB
	} else {
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "amazon/dynamodb-local:latest",
				ExposedPorts: []string{portProtocolDynamoDB},
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

		port, err = container.MappedPort(ctx, portProtocolDynamoDB)
		require.NoError(t, err)
	}

	return "http://" + host + ":" + port.Port()
}

func newClient(t *testing.T, endpoint string) *dynamodb.Client {
	t.Helper()

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-west-2"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
	require.NoError(t, err)

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	_, err = client.ListTables(context.Background(), &dynamodb.ListTablesInput{})
	for tries := 1; err != nil; tries++ {
		t.Logf("failed to list dynamodb tables (tried %d of max %d)", tries, maxTriesDynamoDB)
		require.Less(t, tries, maxTriesDynamoDB, "dynamodb did not come up: %v", err)

		time.Sleep(waitTimeDynamoDB)

		_, err = client.ListTables(context.Background(), &dynamodb.ListTablesInput{})
	}

	return client
}

func createTable(t *testing.T, client *dynamodb.Client, name string) {
	t.Helper()

	_, err := client.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("Location"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("Location"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
		TableName:   aws.String(name),
	})
	require.NoError(t, err)

	waiter := dynamodb.NewTableExistsWaiter(client)
	require.NoError(t, waiter.Wait(context.Background(), &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	}, 2*time.Minute))
}

func TestDynamoDBSuite(t *testing.T) {
	client := newClient(t, dynamoDBEndpoint(t))
	tables := 0

	suite.Run(t, &storagetest.Suite{
		Setup: func(t *testing.T) (datasafe.Storage, string) {
			tables++
			name := fmt.Sprintf("DatasafeBlob%d", tables)

			createTable(t, client, name)

			store, err := storage.NewDynamoDB(storage.WithDynamoDBClient(client), storage.WithTableName(name))
			require.NoError(t, err)

			return store, "s3://datasafe/"
		},
	})
}
