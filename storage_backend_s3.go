package cardsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig configures the S3 key-value store, used for cloud backup of
// collections across devices.
type S3StoreConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly. DO NOT commit credentials.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Prefix          string `json:"prefix" yaml:"prefix"`                 // Key prefix for all objects
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"` // Use path-style addressing
	CacheSize       int    `json:"cache_size" yaml:"cache_size"`         // Number of values to cache (default: 100)

	MaxRetries int `json:"max_retries" yaml:"max_retries"` // Max retry attempts (default: 3)
}

// S3Store implements KeyValueStore on S3 or S3-compatible storage, with a
// small read-through LRU cache in front of GetObject.
type S3Store struct {
	client  *s3.Client
	config  S3StoreConfig
	cache   *lruCache
	retryer *Retryer
}

type lruCache struct {
	capacity int
	items    map[string]*cacheItem
	order    []string
	mu       sync.Mutex
}

type cacheItem struct {
	data      []byte
	timestamp time.Time
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
	}
}

func (c *lruCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToEnd(key)
	return item.data, true
}

func (c *lruCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key].data = data
		c.items[key].timestamp = time.Now()
		c.moveToEnd(key)
		return
	}

	for len(c.items) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = &cacheItem{data: data, timestamp: time.Now()}
	c.order = append(c.order, key)
}

func (c *lruCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *lruCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			break
		}
	}
}

// NewS3Store creates an S3-backed key-value store.
func NewS3Store(cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		cache:  newLRUCache(cfg.CacheSize),
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	fullKey := s.config.Prefix + key

	if data, ok := s.cache.Get(fullKey); ok {
		return data, nil
	}

	var data []byte
	result := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		if isS3NotFound(result.LastErr) {
			return nil, ErrKeyNotFound
		}
		return nil, result.LastErr
	}

	s.cache.Put(fullKey, data)
	return data, nil
}

func (s *S3Store) Set(ctx context.Context, key string, value []byte) error {
	fullKey := s.config.Prefix + key

	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
			Body:   bytes.NewReader(value),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return result.LastErr
	}

	s.cache.Put(fullKey, value)
	return nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	fullKey := s.config.Prefix + key

	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return result.LastErr
	}

	s.cache.Delete(fullKey)
	return nil
}

func (s *S3Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.config.Prefix + prefix

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(*obj.Key, s.config.Prefix))
		}
	}

	return keys, nil
}

func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "404")
}
