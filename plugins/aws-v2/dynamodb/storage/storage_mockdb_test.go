package storage_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/datasafe"
	"github.com/godaddy/datasafe/plugins/aws-v2/dynamodb/storage"
)

type MockClient struct {
	mock.Mock
}

func (c *MockClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.GetItemOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.PutItemOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.DeleteItemOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.ScanOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func newStore(t *testing.T, client *MockClient) *storage.DynamoDB {
	store, err := storage.NewDynamoDB(storage.WithDynamoDBClient(client), storage.WithTableName("Blobs"))
	require.NoError(t, err)

	return store
}

func item(location string, data []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"Location": &types.AttributeValueMemberS{Value: location},
		"Data":     &types.AttributeValueMemberB{Value: data},
	}
}

func TestNewDynamoDB_WithOptions(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	assert.Equal(t, "Blobs", store.GetTableName())
	assert.Same(t, client, store.GetClient())

	store, err := storage.NewDynamoDB(storage.WithDynamoDBClient(client), storage.WithTableName(""))
	require.NoError(t, err)
	assert.Equal(t, "DatasafeBlob", store.GetTableName())
}

func TestDynamoDB_Read(t *testing.T) {
	tests := []struct {
		name   string
		output *dynamodb.GetItemOutput
		err    error

		expected    string
		expectedErr error
	}{
		{
			name:     "Success",
			output:   &dynamodb.GetItemOutput{Item: item("s3://b/x", []byte("ciphertext"))},
			expected: "ciphertext",
		},
		{
			name:        "Not found",
			output:      &dynamodb.GetItemOutput{},
			expectedErr: datasafe.ErrNotFound,
		},
		{
			name:        "DynamoDB error",
			err:         assert.AnError,
			expectedErr: datasafe.ErrStorageFailure,
		},
		{
			name: "Invalid item",
			output: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"Location": &types.AttributeValueMemberS{Value: "s3://b/x"},
				"Data":     &types.AttributeValueMemberBOOL{Value: true},
			}},
			expectedErr: datasafe.ErrStorageFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockClient{}
			store := newStore(t, client)

			client.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
				loc, ok := in.Key["Location"].(*types.AttributeValueMemberS)
				return ok && loc.Value == "s3://b/x" && *in.TableName == "Blobs" && *in.ConsistentRead
			}), mock.Anything).Return(tt.output, tt.err)

			r, err := store.Read(context.Background(), "s3://b/x")
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}

			require.NoError(t, err)

			b, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(b))
			client.AssertExpectations(t)
		})
	}
}

func TestDynamoDB_Write_PutsOnClose(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	client.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		loc, ok := in.Item["Location"].(*types.AttributeValueMemberS)
		data, ok2 := in.Item["Data"].(*types.AttributeValueMemberB)

		return ok && ok2 && loc.Value == "s3://b/x" && string(data.Value) == "hello world"
	}), mock.Anything).Return(&dynamodb.PutItemOutput{}, nil).Once()

	w, err := store.Write(context.Background(), "s3://b/x")
	require.NoError(t, err)

	_, err = io.WriteString(w, "hello ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "world")
	require.NoError(t, err)

	client.AssertNotCalled(t, "PutItem", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	client.AssertExpectations(t)
}

func TestDynamoDB_Write_Abort(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	w, err := store.Write(context.Background(), "s3://b/x")
	require.NoError(t, err)

	_, err = io.WriteString(w, "garbage")
	require.NoError(t, err)

	a, ok := w.(datasafe.Aborter)
	require.True(t, ok)
	require.NoError(t, a.Abort())
	require.NoError(t, w.Close())

	client.AssertNotCalled(t, "PutItem", mock.Anything, mock.Anything, mock.Anything)
}

func TestDynamoDB_Write_TooLarge(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	w, err := store.Write(context.Background(), "s3://b/x")
	require.NoError(t, err)

	_, err = w.Write(make([]byte, storage.MaxItemSize+1))
	assert.ErrorIs(t, err, datasafe.ErrStorageFailure)

	_, err = w.Write(make([]byte, storage.MaxItemSize-4))
	require.NoError(t, err)

	// The attribute names and the location count towards the limit as well.
	assert.ErrorIs(t, w.Close(), datasafe.ErrStorageFailure)
	client.AssertNotCalled(t, "PutItem", mock.Anything, mock.Anything, mock.Anything)
}

func TestDynamoDB_Write_Error(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	client.On("PutItem", mock.Anything, mock.Anything, mock.Anything).Return(nil, assert.AnError)

	w, err := store.Write(context.Background(), "s3://b/x")
	require.NoError(t, err)

	err = w.Close()
	assert.ErrorIs(t, err, datasafe.ErrStorageFailure)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDynamoDB_Write_CancelledContext(t *testing.T) {
	store := newStore(t, &MockClient{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Write(ctx, "s3://b/x")
	assert.ErrorIs(t, err, datasafe.ErrStorageFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDynamoDB_List(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	first := &dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			{"Location": &types.AttributeValueMemberS{Value: "s3://b/jane/inbox/b"}},
			{"Location": &types.AttributeValueMemberS{Value: "s3://b/jane/inbox/a"}},
		},
		LastEvaluatedKey: map[string]types.AttributeValue{
			"Location": &types.AttributeValueMemberS{Value: "s3://b/jane/inbox/a"},
		},
	}
	second := &dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			{"Location": &types.AttributeValueMemberS{Value: "s3://b/jane/inbox/0"}},
		},
	}

	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey == nil && in.FilterExpression != nil &&
			strings.HasPrefix(*in.FilterExpression, "begins_with")
	}), mock.Anything).Return(first, nil).Once()
	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey != nil
	}), mock.Anything).Return(second, nil).Once()

	var got []string

	for loc, err := range store.List(context.Background(), "s3://b/jane/inbox/") {
		require.NoError(t, err)

		got = append(got, loc)
	}

	assert.Equal(t, []string{"s3://b/jane/inbox/0", "s3://b/jane/inbox/a", "s3://b/jane/inbox/b"}, got)
	client.AssertExpectations(t)
}

func TestDynamoDB_List_Error(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	client.On("Scan", mock.Anything, mock.Anything, mock.Anything).Return(nil, assert.AnError)

	var errs []error

	for _, err := range store.List(context.Background(), "s3://b/") {
		errs = append(errs, err)
	}

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], datasafe.ErrStorageFailure)
}

func TestDynamoDB_Remove(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	client.On("DeleteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		loc, ok := in.Key["Location"].(*types.AttributeValueMemberS)
		return ok && loc.Value == "s3://b/x"
	}), mock.Anything).Return(&dynamodb.DeleteItemOutput{}, nil).Once()

	assert.NoError(t, store.Remove(context.Background(), "s3://b/x"))

	client.On("DeleteItem", mock.Anything, mock.Anything, mock.Anything).Return(nil, assert.AnError)
	assert.ErrorIs(t, store.Remove(context.Background(), "s3://b/x"), datasafe.ErrStorageFailure)
}

func TestDynamoDB_Exists(t *testing.T) {
	client := &MockClient{}
	store := newStore(t, client)

	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{Item: item("s3://b/x", nil)}, nil).Once()
	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{}, nil).Once()
	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError).Once()

	exists, err := store.Exists(context.Background(), "s3://b/x")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(context.Background(), "s3://b/x")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Exists(context.Background(), "s3://b/x")
	assert.ErrorIs(t, err, datasafe.ErrStorageFailure)
}
