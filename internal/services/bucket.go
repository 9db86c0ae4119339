package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/utils"
)

// BucketService stores submitted strip images and hands back stable keys.
// The rest of the pipeline treats keys as opaque imageRef values.
type BucketService interface {
	UploadFile(ctx context.Context, key string, file io.Reader) error
	FetchFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
	GetPublicURL(key string) string
}

// NewBucketService selects the provider from BLOB_PROVIDER ("gcs" or
// "memory", default gcs).
func NewBucketService(log *logger.Logger) (BucketService, error) {
	provider := utils.GetEnv("BLOB_PROVIDER", "gcs", log)
	switch provider {
	case "gcs":
		return NewGCSBucketService(log)
	case "memory":
		return NewMemoryBucketService(), nil
	default:
		return nil, fmt.Errorf("unknown BLOB_PROVIDER %q", provider)
	}
}

type gcsBucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
	cdnDomain     string
}

func NewGCSBucketService(log *logger.Logger) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")
	bucket := os.Getenv("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	cdnDomain := os.Getenv("CDN_DOMAIN")
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	if saPath == "" {
		serviceLog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set, storage client will rely on ADC")
	}
	ctx := context.Background()
	var stClient *storage.Client
	var err error
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsBucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucket,
		cdnDomain:     cdnDomain,
	}, nil
}

func (bs *gcsBucketService) UploadFile(ctx context.Context, key string, file io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return apierr.Transient(fmt.Errorf("failed to write data to GCS: %w", err))
	}
	if err := w.Close(); err != nil {
		return apierr.Transient(fmt.Errorf("failed to close GCS writer: %w", err))
	}
	return nil
}

func (bs *gcsBucketService) FetchFile(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	r, err := bs.storageClient.Bucket(bs.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, apierr.NotFound(fmt.Errorf("stored image %q not found", key))
		}
		return nil, apierr.Transient(fmt.Errorf("failed to open GCS object %q: %w", key, err))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apierr.Transient(fmt.Errorf("failed to read GCS object %q: %w", key, err))
	}
	return data, nil
}

func (bs *gcsBucketService) DeleteFile(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	o := bs.storageClient.Bucket(bs.bucketName).Object(key)
	if err := o.Delete(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return apierr.NotFound(fmt.Errorf("stored image %q not found", key))
		}
		return apierr.Transient(fmt.Errorf("failed to delete GCS object %q: %w", key, err))
	}
	return nil
}

func (bs *gcsBucketService) GetPublicURL(key string) string {
	if bs.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", bs.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bs.bucketName, key)
}

// memoryBucketService keeps objects in a map. Used by tests and local
// development where no GCS bucket is reachable.
type memoryBucketService struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryBucketService() BucketService {
	return &memoryBucketService{objects: make(map[string][]byte)}
}

func (ms *memoryBucketService) UploadFile(ctx context.Context, key string, file io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		return apierr.Transient(fmt.Errorf("failed to buffer upload: %w", err))
	}
	ms.mu.Lock()
	ms.objects[key] = buf.Bytes()
	ms.mu.Unlock()
	return nil
}

func (ms *memoryBucketService) FetchFile(ctx context.Context, key string) ([]byte, error) {
	ms.mu.RLock()
	data, ok := ms.objects[key]
	ms.mu.RUnlock()
	if !ok {
		return nil, apierr.NotFound(fmt.Errorf("stored image %q not found", key))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (ms *memoryBucketService) DeleteFile(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.objects[key]; !ok {
		return apierr.NotFound(fmt.Errorf("stored image %q not found", key))
	}
	delete(ms.objects, key)
	return nil
}

func (ms *memoryBucketService) GetPublicURL(key string) string {
	return "memory://" + key
}
