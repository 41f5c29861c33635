// Package blob 保存用户上传的图片并返回可公开访问的 URL，消息里只存 URL。
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	appcfg "o3chat/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrEmpty           = errors.New("empty image")
)

var imageExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store 是图片存储的最小接口。
type Store interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// S3Store 把图片写入 S3 兼容的桶（AWS、MinIO 等）。
type S3Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	baseURL  string
	maxBytes int64
}

func NewS3Store(ctx context.Context, cfg appcfg.BlobConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		switch {
		case endpoint != "" && cfg.UsePathStyle:
			baseURL = endpoint + "/" + bucket
		case endpoint != "":
			baseURL = endpoint
		default:
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
		}
	}

	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &S3Store{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		baseURL:  baseURL,
		maxBytes: maxBytes,
	}, nil
}

// MaxBytes 返回单张图片的大小上限。
func (s *S3Store) MaxBytes() int64 { return s.maxBytes }

// Upload 按内容嗅探类型，只接受常见图片格式。对象名是随机的，不复用客户端文件名。
func (s *S3Store) Upload(ctx context.Context, data []byte) (string, error) {
	ext, contentType, err := Sniff(data, s.maxBytes)
	if err != nil {
		return "", err
	}
	key := s.objectKey(time.Now().UTC().Format("2006/01/02") + "/" + uuid.NewString() + ext)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return s.baseURL + "/" + key, nil
}

func (s *S3Store) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Sniff 校验大小与类型，返回扩展名和 Content-Type。
func Sniff(data []byte, maxBytes int64) (ext, contentType string, err error) {
	if len(data) == 0 {
		return "", "", ErrEmpty
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", "", ErrTooLarge
	}
	contentType = http.DetectContentType(data)
	ext, ok := imageExt[contentType]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	return ext, contentType, nil
}
