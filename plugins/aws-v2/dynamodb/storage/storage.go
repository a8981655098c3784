// Package storage provides a datasafe.Storage backed by an Amazon DynamoDB table.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe"
)

const (
	defaultTableName = "DatasafeBlob"
	partitionKey     = "Location"
	dataAttribute    = "Data"

	// MaxItemSize is the DynamoDB item size limit. It covers attribute names and values.
	MaxItemSize = 400 * 1024
)

var (
	// Verify DynamoDB implements the Storage interface.
	_ datasafe.Storage = (*DynamoDB)(nil)

	readDynamoDBTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.dynamodb.read", datasafe.MetricsPrefix), nil)
	writeDynamoDBTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.dynamodb.write", datasafe.MetricsPrefix), nil)
	listDynamoDBTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.dynamodb.list", datasafe.MetricsPrefix), nil)
	removeDynamoDBTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.dynamodb.remove", datasafe.MetricsPrefix), nil)
)

// DynamoDBClient is an interface that defines the set of Amazon DynamoDB client operations required by this package.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Option is a functional option for configuring the DynamoDB storage.
type Option func(*DynamoDB)

// WithTableName sets the DynamoDB table name.
// The default table name is "DatasafeBlob".
func WithTableName(name string) Option {
	return func(d *DynamoDB) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithDynamoDBClient sets the DynamoDB client.
// Use this option to provide a custom client (and configuration) for the storage.
//
// Example:
//
//	client := dynamodb.NewFromConfig(cfg)
//	store, err := storage.NewDynamoDB(storage.WithDynamoDBClient(client))
func WithDynamoDBClient(client DynamoDBClient) Option {
	return func(d *DynamoDB) {
		d.svc = client
	}
}

// DynamoDB stores every object as one item of a table whose string partition key is "Location". The object
// body is kept in the binary attribute "Data". Objects are buffered until the writer is closed, so the
// item size limit applies to whole objects.
type DynamoDB struct {
	svc       DynamoDBClient
	tableName string
}

// NewDynamoDB returns a new DynamoDB-backed storage with the provided options.
func NewDynamoDB(opts ...Option) (*DynamoDB, error) {
	d := &DynamoDB{
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		client, err := newDefaultClient()
		if err != nil {
			return nil, err
		}

		d.svc = client
	}

	return d, nil
}

func newDefaultClient() (DynamoDBClient, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to load default AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg), nil
}

// GetClient returns the underlying DynamoDBClient.
func (d *DynamoDB) GetClient() DynamoDBClient {
	return d.svc
}

// GetTableName returns the configured table name.
func (d *DynamoDB) GetTableName() string {
	return d.tableName
}

func failure(err error, op, location string) error {
	return fmt.Errorf("%w: dynamodb %s %s: %w", datasafe.ErrStorageFailure, op, location, err)
}

func key(location string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		partitionKey: &types.AttributeValueMemberS{Value: location},
	}
}

// blobItem is a single item in the table.
type blobItem struct {
	Location string `dynamodbav:"Location"`
	Data     []byte `dynamodbav:"Data"`
}

func (d *DynamoDB) getItem(ctx context.Context, location string, attrs ...string) (map[string]types.AttributeValue, error) {
	names := expression.NamesList(expression.Name(partitionKey))
	for _, a := range attrs {
		names = names.AddNames(expression.Name(a))
	}

	expr, err := expression.NewBuilder().WithProjection(names).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key:                      key(location),
		ProjectionExpression:     expr.Projection(),
		TableName:                aws.String(d.tableName),
		ConsistentRead:           aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	return res.Item, nil
}

// Read loads the item at location.
func (d *DynamoDB) Read(ctx context.Context, location string) (io.ReadCloser, error) {
	defer readDynamoDBTimer.UpdateSince(time.Now())

	item, err := d.getItem(ctx, location, dataAttribute)
	if err != nil {
		return nil, failure(err, "read", location)
	}

	if item == nil {
		return nil, fmt.Errorf("%w: %s", datasafe.ErrNotFound, location)
	}

	var blob blobItem
	if err := attributevalue.UnmarshalMap(item, &blob); err != nil {
		return nil, failure(err, "read", location)
	}

	return io.NopCloser(bytes.NewReader(blob.Data)), nil
}

// Write returns a writer that puts the item for location when closed.
func (d *DynamoDB) Write(ctx context.Context, location string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure(err, "write", location)
	}

	return &itemWriter{ctx: ctx, d: d, location: location}, nil
}

func (d *DynamoDB) put(ctx context.Context, location string, data []byte) error {
	defer writeDynamoDBTimer.UpdateSince(time.Now())

	if size := len(partitionKey) + len(location) + len(dataAttribute) + len(data); size > MaxItemSize {
		return failure(fmt.Errorf("item size %d exceeds %d bytes", size, MaxItemSize), "write", location)
	}

	av, err := attributevalue.MarshalMap(blobItem{Location: location, Data: data})
	if err != nil {
		return failure(err, "write", location)
	}

	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item:      av,
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return failure(err, "write", location)
	}

	return nil
}

// List scans for locations starting with prefix. The table is not ordered by location, so matching keys
// are collected and sorted before the first one is yielded.
func (d *DynamoDB) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		locations, err := d.scan(ctx, prefix)
		if err != nil {
			yield("", failure(err, "list", prefix))
			return
		}

		for _, loc := range locations {
			if !yield(loc, nil) {
				return
			}
		}
	}
}

func (d *DynamoDB) scan(ctx context.Context, prefix string) ([]string, error) {
	defer listDynamoDBTimer.UpdateSince(time.Now())

	builder := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name(partitionKey)))

	if prefix != "" {
		builder = builder.WithFilter(expression.Name(partitionKey).BeginsWith(prefix))
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	p := dynamodb.NewScanPaginator(d.svc, &dynamodb.ScanInput{
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		TableName:                 aws.String(d.tableName),
		ConsistentRead:            aws.Bool(true),
	})

	var locations []string

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var items []blobItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}

		for _, item := range items {
			locations = append(locations, item.Location)
		}
	}

	slices.Sort(locations)

	return locations, nil
}

// Remove deletes the item at location.
func (d *DynamoDB) Remove(ctx context.Context, location string) error {
	defer removeDynamoDBTimer.UpdateSince(time.Now())

	_, err := d.svc.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		Key:       key(location),
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return failure(err, "remove", location)
	}

	return nil
}

// Exists reports whether an item is stored at location.
func (d *DynamoDB) Exists(ctx context.Context, location string) (bool, error) {
	item, err := d.getItem(ctx, location)
	if err != nil {
		return false, failure(err, "exists", location)
	}

	return item != nil, nil
}

// itemWriter buffers an object and puts it as a single item on Close.
type itemWriter struct {
	ctx      context.Context
	d        *DynamoDB
	location string

	mu   sync.Mutex
	buf  bytes.Buffer
	done bool
}

var _ datasafe.Aborter = (*itemWriter)(nil)

func (w *itemWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return 0, io.ErrClosedPipe
	}

	if w.buf.Len()+len(p) > MaxItemSize {
		return 0, failure(fmt.Errorf("object exceeds %d bytes", MaxItemSize), "write", w.location)
	}

	return w.buf.Write(p)
}

func (w *itemWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil
	}

	w.done = true

	return w.d.put(w.ctx, w.location, w.buf.Bytes())
}

func (w *itemWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done = true
	w.buf.Reset()

	return nil
}
