// Package storage implements the Object Store Gateway: a thin
// adapter over S3-compatible object storage, keyed by the canonical raster
// path convention. Put is not transactional with the Catalog Store — the
// Orchestrator sequences the two to bound the window of inconsistency.
package storage

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for object-store operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // List, Stat, Delete
	DefaultDataTimeout     = 5 * time.Minute  // Get, Put of raster files
)

// Config holds connection and timeout settings for the gateway.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout bounds list/stat/delete calls. Defaults to 10s if zero.
	MetadataTimeout time.Duration
	// DataTimeout bounds get/put calls transferring raster bytes. Defaults to 5m if zero.
	DataTimeout time.Duration
}

// Gateway is the Object Store Gateway.
type Gateway struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// New creates a Gateway connected to the given endpoint, auto-creating the
// bucket if it doesn't exist.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	g := &Gateway{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := g.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.metadataTimeout)
}

func (g *Gateway) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.dataTimeout)
}

func (g *Gateway) ensureBucket(ctx context.Context) error {
	ctx, cancel := g.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", g.bucket, err)
	}
	if !exists {
		if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", g.bucket, err)
		}
	}
	return nil
}

// Put uploads the local file at localPath to key. Content type is inferred
// from the key's extension (canonical rasters are always image/tiff).
func (g *Gateway) Put(ctx context.Context, key, localPath string) error {
	ctx, cancel := g.withDataTimeout(ctx)
	defer cancel()

	_, err := g.client.FPutObject(ctx, g.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentTypeForKey(key),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get downloads key to the local path dest. Returns (false, nil) if the key
// does not exist rather than an error — callers treat absence as a normal
// outcome (e.g. the Rectifier re-reading a raster that was since purged).
func (g *Gateway) Get(ctx context.Context, key, dest string) (bool, error) {
	ctx, cancel := g.withDataTimeout(ctx)
	defer cancel()

	err := g.client.FGetObject(ctx, g.bucket, key, dest, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("get object %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Idempotent: deleting an absent key is not an error.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	ctx, cancel := g.withMetadataTimeout(ctx)
	defer cancel()

	if err := g.client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// List returns every key under prefix.
func (g *Gateway) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := g.withMetadataTimeout(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	keys := make([]string, 0)
	for obj := range g.client.ListObjects(ctx, g.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Exists reports whether key is present without downloading it.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := g.withMetadataTimeout(ctx)
	defer cancel()

	_, err := g.client.StatObject(ctx, g.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// HealthChecker reports object store reachability via the api.HealthChecker
// interface, mirroring postgres.HealthChecker's shape for the same purpose.
type HealthChecker struct {
	gateway *Gateway
}

// NewHealthChecker wraps a Gateway for readiness checks.
func NewHealthChecker(g *Gateway) *HealthChecker {
	return &HealthChecker{gateway: g}
}

// HealthCheck confirms the configured bucket is reachable.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := h.gateway.withMetadataTimeout(ctx)
	defer cancel()
	exists, err := h.gateway.client.BucketExists(ctx, h.gateway.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", h.gateway.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", h.gateway.bucket)
	}
	return nil
}

func contentTypeForKey(key string) string {
	if len(key) >= 4 && key[len(key)-4:] == ".tif" {
		return "image/tiff"
	}
	return "application/octet-stream"
}
