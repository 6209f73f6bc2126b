package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
//
// All tables of one album share a partition key (ALBUM#{account}#{albumId});
// the sort key names the table. Each item carries a version number used as
// the compare-and-swap token.
const (
	pkPrefix   = "ALBUM#"
	skPosts    = "POSTS"
	skFailed   = "FAILED"
	skMetadata = "METADATA"

	attrRecords  = "records"
	attrMetadata = "metadata"
	attrVersion  = "version"
)

var tableSK = map[Table]string{
	TablePosts:    skPosts,
	TableFailed:   skFailed,
	TableMetadata: skMetadata,
}

// DynamoAPI is the subset of the DynamoDB client used by DynamoAdapter.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoAdapter implements Adapter on a DynamoDB table. Writes are
// conditional on the version observed by the last read, so it offers the
// same compare-and-swap guarantee as the versioned-file backend.
type DynamoAdapter struct {
	CorruptionLog

	client    DynamoAPI
	tableName string
	timeout   time.Duration

	mu       sync.Mutex
	versions map[string]int64
}

var _ Adapter = (*DynamoAdapter)(nil)

// NewDynamoAdapter creates a DynamoAdapter for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoAdapter(client DynamoAPI, tableName string, timeout time.Duration) *DynamoAdapter {
	return &DynamoAdapter{
		client:    client,
		tableName: tableName,
		timeout:   timeout,
		versions:  make(map[string]int64),
	}
}

func (s *DynamoAdapter) Name() string { return "dynamodb" }

// --- Internal helpers ---

// albumPK returns the partition key for an album.
func albumPK(key Key) string {
	return pkPrefix + key.Account + "#" + key.AlbumID
}

func (s *DynamoAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// getItem reads one table item and remembers its version.
// Returns nil if the item does not exist.
func (s *DynamoAdapter) getItem(ctx context.Context, key Key, table Table) (map[string]types.AttributeValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pk, sk := albumPK(key), tableSK[table]
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, ClassifyAWSError(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Item == nil {
		s.versions[pk+"/"+sk] = 0
		return nil, nil
	}
	var version int64
	if v, ok := result.Item[attrVersion]; ok {
		if err := attributevalue.Unmarshal(v, &version); err != nil {
			log.Warn().Err(err).Str("pk", pk).Str("sk", sk).Msg("Unreadable version attribute")
		}
	}
	s.versions[pk+"/"+sk] = version
	return result.Item, nil
}

// currentVersion returns the version to write against: the one seen by the
// last read, or a fresh lookup when this adapter never read the item.
func (s *DynamoAdapter) currentVersion(ctx context.Context, key Key, table Table) (int64, error) {
	id := albumPK(key) + "/" + tableSK[table]
	s.mu.Lock()
	v, ok := s.versions[id]
	s.mu.Unlock()
	if ok {
		return v, nil
	}
	if _, err := s.getItem(ctx, key, table); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[id], nil
}

// putItem writes one table item conditioned on the expected version.
func (s *DynamoAdapter) putItem(ctx context.Context, key Key, table Table, attr string, data interface{}) error {
	if err := key.Validate(); err != nil {
		return err
	}
	expected, err := s.currentVersion(ctx, key, table)
	if err != nil {
		return err
	}

	av, err := attributevalue.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}

	pk, sk := albumPK(key), tableSK[table]
	next := expected + 1
	item := itemKey(pk, sk)
	item[attr] = av
	item[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)}
	item["account"] = &types.AttributeValueMemberS{Value: key.Account}
	item["albumId"] = &types.AttributeValueMemberS{Value: key.AlbumID}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}

	input := &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}
	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}

	wctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	_, err = s.client.PutItem(wctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.forget(pk + "/" + sk)
			return fmt.Errorf("PutItem PK=%s SK=%s version %d: %w", pk, sk, expected, ErrConflict)
		}
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, ClassifyAWSError(err))
	}

	s.mu.Lock()
	s.versions[pk+"/"+sk] = next
	s.mu.Unlock()

	log.Debug().
		Str("pk", pk).
		Str("sk", sk).
		Int64("version", next).
		Dur("duration", time.Since(start)).
		Msg("State item persisted to DynamoDB")
	return nil
}

func (s *DynamoAdapter) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, id)
}

// --- Adapter operations ---

func (s *DynamoAdapter) ReadPosts(ctx context.Context, key Key) ([]InstagramPost, error) {
	item, err := s.getItem(ctx, key, TablePosts)
	if err != nil || item == nil {
		return nil, err
	}
	var posts []InstagramPost
	if av, ok := item[attrRecords]; ok {
		if err := attributevalue.Unmarshal(av, &posts); err != nil {
			s.RecordCorruption(s.Name(), key, TablePosts, err)
			return nil, nil
		}
	}
	return ScopePosts(s.Name(), key, posts), nil
}

func (s *DynamoAdapter) WritePosts(ctx context.Context, key Key, posts []InstagramPost) error {
	if posts == nil {
		posts = []InstagramPost{}
	}
	return s.putItem(ctx, key, TablePosts, attrRecords, posts)
}

func (s *DynamoAdapter) ReadFailedPositions(ctx context.Context, key Key) ([]FailedPosition, error) {
	item, err := s.getItem(ctx, key, TableFailed)
	if err != nil || item == nil {
		return nil, err
	}
	var failed []FailedPosition
	if av, ok := item[attrRecords]; ok {
		if err := attributevalue.Unmarshal(av, &failed); err != nil {
			s.RecordCorruption(s.Name(), key, TableFailed, err)
			return nil, nil
		}
	}
	return failed, nil
}

func (s *DynamoAdapter) WriteFailedPositions(ctx context.Context, key Key, failed []FailedPosition) error {
	if failed == nil {
		failed = []FailedPosition{}
	}
	return s.putItem(ctx, key, TableFailed, attrRecords, failed)
}

func (s *DynamoAdapter) ReadMetadata(ctx context.Context, key Key) (*AlbumMetadata, error) {
	item, err := s.getItem(ctx, key, TableMetadata)
	if err != nil || item == nil {
		return nil, err
	}
	av, ok := item[attrMetadata]
	if !ok {
		return nil, nil
	}
	var meta AlbumMetadata
	if err := attributevalue.Unmarshal(av, &meta); err != nil {
		s.RecordCorruption(s.Name(), key, TableMetadata, err)
		return nil, nil
	}
	return &meta, nil
}

func (s *DynamoAdapter) WriteMetadata(ctx context.Context, key Key, meta *AlbumMetadata) error {
	return s.putItem(ctx, key, TableMetadata, attrMetadata, meta)
}

// IsAvailable checks that the table exists and is reachable.
func (s *DynamoAdapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.tableName})
	if err != nil {
		log.Warn().Err(err).Str("table", s.tableName).Msg("DynamoDB state table not reachable")
		return false
	}
	return true
}
