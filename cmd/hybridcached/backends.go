package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/hybridcache"
	"github.com/hupe1980/hybridcache/blobstore/minio"
	"github.com/hupe1980/hybridcache/blobstore/s3"
	"github.com/hupe1980/hybridcache/metastore/dynamodb"
)

// backends builds the store options for cfg. The local blob store and the
// file metastore are the cache defaults and need no option. Stores passed
// to the cache are not closed by it; the returned closers are.
func backends(ctx context.Context, cfg Config, logger *slog.Logger) ([]hybridcache.Option, []io.Closer, error) {
	var (
		opts    []hybridcache.Option
		closers []io.Closer
	)

	switch cfg.Blob.Backend {
	case "s3":
		awsCfg, err := loadAWS(ctx, cfg.Blob.Region)
		if err != nil {
			return nil, nil, err
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if cfg.Blob.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Blob.Endpoint)
				o.UsePathStyle = true
			}
		})
		opts = append(opts, hybridcache.WithBlobStore(s3.NewStore(client, cfg.Blob.Bucket, s3.WithPrefix(cfg.Blob.Prefix))))
		logger.Info("blob backend", "type", "s3", "bucket", cfg.Blob.Bucket)

	case "minio":
		client, err := miniogo.New(cfg.Blob.Endpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(cfg.Blob.AccessKey, cfg.Blob.SecretKey, ""),
			Secure: cfg.Blob.UseSSL,
			Region: cfg.Blob.Region,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("minio client: %w", err)
		}
		opts = append(opts, hybridcache.WithBlobStore(minio.NewStore(client, cfg.Blob.Bucket, cfg.Blob.Prefix)))
		logger.Info("blob backend", "type", "minio", "endpoint", cfg.Blob.Endpoint, "bucket", cfg.Blob.Bucket)
	}

	if cfg.Meta.Backend == "dynamodb" {
		awsCfg, err := loadAWS(ctx, cfg.Meta.Region)
		if err != nil {
			return nil, nil, err
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.Meta.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Meta.Endpoint)
			}
		})
		store, err := dynamodb.Open(ctx, client, dynamodb.Options{
			Table:                 cfg.Meta.Table,
			Segments:              cfg.Meta.Segments,
			AccessTimeGranularity: time.Minute,
			Logger:                logger,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, hybridcache.WithMetaStore(store))
		closers = append(closers, store)
		logger.Info("meta backend", "type", "dynamodb", "table", cfg.Meta.Table, "entries", store.Len())
	}

	return opts, closers, nil
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
