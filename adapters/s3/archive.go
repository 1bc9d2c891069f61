package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"carsties/events"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vmihailenco/msgpack/v5"
)

const contentType = "application/msgpack"

// objectStore 是 archive 用到的 S3 操作，*s3.Client 符合這個介面
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type archiveOptions struct {
	logger        *slog.Logger
	prefix        string
	maxObjectSize int64
}

type ArchiveOption func(*archiveOptions)

// WithArchiveLogger 設置日誌記錄器
func WithArchiveLogger(logger *slog.Logger) ArchiveOption {
	return func(o *archiveOptions) {
		o.logger = logger
	}
}

// WithArchivePrefix 設置物件鍵的前綴
func WithArchivePrefix(prefix string) ArchiveOption {
	return func(o *archiveOptions) {
		o.prefix = prefix
	}
}

// WithArchiveMaxObjectSize 設置讀回死信時允許的最大物件大小
func WithArchiveMaxObjectSize(n int64) ArchiveOption {
	return func(o *archiveOptions) {
		o.maxObjectSize = n
	}
}

// DeadLetterArchive 將死信的故障信封保存到 S3，物件鍵為 <prefix>/<topic>/<fault id>.msgpack
type DeadLetterArchive struct {
	client  objectStore
	bucket  string
	logger  *slog.Logger
	options archiveOptions
}

func NewDeadLetterArchive(client *s3.Client, bucket string, opts ...ArchiveOption) (*DeadLetterArchive, error) {
	if client == nil {
		return nil, errors.New("s3 client cannot be nil")
	}
	return newDeadLetterArchive(client, bucket, opts...)
}

func newDeadLetterArchive(client objectStore, bucket string, opts ...ArchiveOption) (*DeadLetterArchive, error) {
	if bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}

	// 默認選項
	options := archiveOptions{
		logger:        slog.Default(),
		prefix:        "dead-letter",
		maxObjectSize: 4 << 20,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &DeadLetterArchive{
		client:  client,
		bucket:  bucket,
		logger:  options.logger.With(slog.String("caller", "DeadLetterArchive")),
		options: options,
	}, nil
}

// Key 回傳故障在 bucket 中的物件鍵
func (a *DeadLetterArchive) Key(topic, faultID string) string {
	return path.Join(a.options.prefix, topic, faultID+".msgpack")
}

// Archive 保存故障信封，reason 記錄在物件的 metadata
func (a *DeadLetterArchive) Archive(ctx context.Context, fault events.Fault, reason error) error {
	const op = "DeadLetterArchive.Archive"
	data, err := msgpack.Marshal(fault)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode fault, err=%w", op, err)
	}

	metadata := map[string]string{
		"consumer": fault.Consumer,
		"kind":     string(fault.Primary().Kind),
	}
	if reason != nil {
		metadata["reason"] = reason.Error()
	}

	key := a.Key(fault.Topic, fault.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to upload fault to S3, err=%w", op, err)
	}
	a.logger.Info("dead letter archived", slog.String("key", key), slog.String("size", FormatBytes(int64(len(data)))))
	return nil
}

// Load 讀回保存的故障信封，用於重放
func (a *DeadLetterArchive) Load(ctx context.Context, topic, faultID string) (events.Fault, error) {
	const op = "DeadLetterArchive.Load"
	key := a.Key(topic, faultID)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return events.Fault{}, fmt.Errorf("[%s] Fail to download fault from S3, err=%w", op, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(newLimitedBody(key, out.Body, a.options.maxObjectSize))
	if err != nil {
		return events.Fault{}, fmt.Errorf("[%s] Fail to read fault, err=%w", op, err)
	}
	var fault events.Fault
	if err := msgpack.Unmarshal(data, &fault); err != nil {
		return events.Fault{}, fmt.Errorf("[%s] Fail to decode fault, err=%w", op, err)
	}
	return fault, nil
}
