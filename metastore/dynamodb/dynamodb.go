// Package dynamodb implements metastore.Store on Amazon DynamoDB.
//
// Every cache entry is one item keyed by the hex form of its cache key.
// Partitions map to DynamoDB parallel scan segments, so rebuilding the
// existence index or collecting eviction candidates fans out across
// segments.
//
// Table schema:
//
//	aws dynamodb create-table \
//	  --table-name hybridcache-entries \
//	  --attribute-definitions AttributeName=cache_key,AttributeType=S \
//	  --key-schema AttributeName=cache_key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// DynamoDB persists every write before acknowledging it, so Flush is a
// no-op. TotalBytes and Len are maintained locally: seeded by a scan at Open
// and adjusted from the old item images returned by Put and Delete. They are
// exact for a single writer process only.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/metastore"
	"golang.org/x/sync/errgroup"
)

const (
	attrKey         = "cache_key"
	attrSize        = "size"
	attrCreated     = "created_at"
	attrAccessed    = "accessed_at"
	attrShard       = "shard"
	attrPath        = "path"
	attrContentType = "content_type"
)

// Client is the subset of the DynamoDB API used by Store.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Options configures a Store.
type Options struct {
	// Table is the DynamoDB table name.
	Table string

	// Segments is the number of parallel scan segments (partitions).
	Segments int

	// AccessTimeGranularity skips Touch writes when the stored access
	// time is recent enough.
	AccessTimeGranularity time.Duration

	Logger *slog.Logger
}

// Store is a metastore.Store backed by a DynamoDB table.
type Store struct {
	client Client
	opts   Options
	logger *slog.Logger

	totalBytes atomic.Int64
	entries    atomic.Int64
	closed     atomic.Bool
}

var _ metastore.Store = (*Store)(nil)

// Open creates a Store and seeds its size counters with a parallel scan.
func Open(ctx context.Context, client Client, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamodb: table name is required")
	}
	if opts.Segments <= 0 {
		opts.Segments = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{client: client, opts: opts, logger: logger}

	g, gctx := errgroup.WithContext(ctx)
	for p := range opts.Segments {
		g.Go(func() error {
			return s.RangePartition(gctx, p, func(e metastore.Entry) bool {
				s.totalBytes.Add(e.Size)
				s.entries.Add(1)
				return true
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dynamodb: initial scan: %w", err)
	}
	return s, nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return metastore.ErrClosed
	}
	return ctx.Err()
}

func keyAttr(key cachekey.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key.String()},
	}
}

func numAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func marshalEntry(e metastore.Entry) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrKey:      &types.AttributeValueMemberS{Value: e.Key.String()},
		attrSize:     numAttr(e.Size),
		attrCreated:  numAttr(e.CreatedAt.UnixNano()),
		attrAccessed: numAttr(e.LastAccessedAt.UnixNano()),
		attrShard:    numAttr(int64(e.Location.Shard)),
		attrPath:     &types.AttributeValueMemberS{Value: e.Location.Path},
	}
	if e.ContentType != "" {
		item[attrContentType] = &types.AttributeValueMemberS{Value: e.ContentType}
	}
	return item
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamodb: missing numeric attribute %q", name)
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamodb: attribute %q: %w", name, err)
	}
	return n, nil
}

func unmarshalEntry(item map[string]types.AttributeValue) (metastore.Entry, error) {
	var e metastore.Entry

	ks, ok := stringAttr(item, attrKey)
	if !ok {
		return e, fmt.Errorf("dynamodb: missing attribute %q", attrKey)
	}
	key, err := cachekey.ParseKey(ks)
	if err != nil {
		return e, err
	}
	e.Key = key

	if e.Size, err = intAttr(item, attrSize); err != nil {
		return e, err
	}
	created, err := intAttr(item, attrCreated)
	if err != nil {
		return e, err
	}
	accessed, err := intAttr(item, attrAccessed)
	if err != nil {
		return e, err
	}
	shard, err := intAttr(item, attrShard)
	if err != nil {
		return e, err
	}
	e.CreatedAt = time.Unix(0, created)
	e.LastAccessedAt = time.Unix(0, accessed)
	e.Location.Shard = uint32(shard) //nolint:gosec
	e.Location.Path, _ = stringAttr(item, attrPath)
	e.ContentType, _ = stringAttr(item, attrContentType)
	return e, nil
}

// oldSize returns the size recorded in an ALL_OLD image, if any.
func oldSize(attrs map[string]types.AttributeValue) (int64, bool) {
	if len(attrs) == 0 {
		return 0, false
	}
	n, err := intAttr(attrs, attrSize)
	if err != nil {
		return 0, true
	}
	return n, true
}

// Put implements metastore.Store.
func (s *Store) Put(ctx context.Context, e metastore.Entry) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	out, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:    aws.String(s.opts.Table),
		Item:         marshalEntry(e),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("dynamodb: put %s: %w", e.Key, err)
	}
	if prev, ok := oldSize(out.Attributes); ok {
		s.totalBytes.Add(e.Size - prev)
	} else {
		s.totalBytes.Add(e.Size)
		s.entries.Add(1)
	}
	return nil
}

// Get implements metastore.Store.
func (s *Store) Get(ctx context.Context, key cachekey.Key) (metastore.Entry, bool, error) {
	if err := s.check(ctx); err != nil {
		return metastore.Entry{}, false, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opts.Table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return metastore.Entry{}, false, fmt.Errorf("dynamodb: get %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return metastore.Entry{}, false, nil
	}
	e, err := unmarshalEntry(out.Item)
	if err != nil {
		return metastore.Entry{}, false, err
	}
	return e, true, nil
}

// Delete implements metastore.Store.
func (s *Store) Delete(ctx context.Context, key cachekey.Key) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.opts.Table),
		Key:          keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("dynamodb: delete %s: %w", key, err)
	}
	if prev, ok := oldSize(out.Attributes); ok {
		s.totalBytes.Add(-prev)
		s.entries.Add(-1)
	}
	return nil
}

// Touch implements metastore.Store. The update is conditional so that
// recent access times and missing items cost no write.
func (s *Store) Touch(ctx context.Context, key cachekey.Key, at time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	ts := at.UnixNano()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.opts.Table),
		Key:                 keyAttr(key),
		UpdateExpression:    aws.String("SET #a = :t"),
		ConditionExpression: aws.String("attribute_exists(#k) AND #a <= :stale"),
		ExpressionAttributeNames: map[string]string{
			"#a": attrAccessed,
			"#k": attrKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":     numAttr(ts),
			":stale": numAttr(ts - int64(s.opts.AccessTimeGranularity)),
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("dynamodb: touch %s: %w", key, err)
	}
	return nil
}

// EvictionCandidates implements metastore.Store with a parallel scan.
func (s *Store) EvictionCandidates(ctx context.Context) ([]metastore.Entry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	parts := make([][]metastore.Entry, s.opts.Segments)
	g, gctx := errgroup.WithContext(ctx)
	for p := range s.opts.Segments {
		g.Go(func() error {
			return s.RangePartition(gctx, p, func(e metastore.Entry) bool {
				parts[p] = append(parts[p], e)
				return true
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []metastore.Entry
	for _, p := range parts {
		out = append(out, p...)
	}
	metastore.SortForEviction(out)
	return out, nil
}

// TotalBytes implements metastore.Store.
func (s *Store) TotalBytes() int64 { return s.totalBytes.Load() }

// Len implements metastore.Store.
func (s *Store) Len() int { return int(s.entries.Load()) }

// Partitions implements metastore.Store.
func (s *Store) Partitions() int { return s.opts.Segments }

// RangePartition implements metastore.Store by scanning one segment.
func (s *Store) RangePartition(ctx context.Context, p int, fn func(metastore.Entry) bool) error {
	if s.closed.Load() {
		return metastore.ErrClosed
	}
	if p < 0 || p >= s.opts.Segments {
		return fmt.Errorf("dynamodb: partition %d out of range [0,%d)", p, s.opts.Segments)
	}

	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.opts.Table),
			Segment:           aws.Int32(int32(p)),
			TotalSegments:     aws.Int32(int32(s.opts.Segments)),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return fmt.Errorf("dynamodb: scan segment %d: %w", p, err)
		}
		for _, item := range out.Items {
			e, err := unmarshalEntry(item)
			if err != nil {
				s.logger.Warn("skipping malformed item", "segment", p, "error", err)
				continue
			}
			if !fn(e) {
				return nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		start = out.LastEvaluatedKey
	}
}

// Flush implements metastore.Store. DynamoDB writes are durable on return.
func (s *Store) Flush(ctx context.Context) error {
	return s.check(ctx)
}

// Close implements metastore.Store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return metastore.ErrClosed
	}
	return nil
}
