// Package storage はS3互換オブジェクトストレージ（Cloudflare R2）の署名付きURLを発行する。
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// r2Region はR2の署名で使うリージョン。指定するとバケット位置の問い合わせが不要になる。
const r2Region = "auto"

const maxFileNameLength = 100

var unsafeFileNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Config はR2Storeの設定。
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// PublicBase は公開URLのベース（例: https://files.example.com）。空の場合は公開URLを生成しない。
	PublicBase string
	// Insecure はhttpで接続する（テスト用）。
	Insecure bool
}

// R2Store はR2の署名付きURLを発行する。
type R2Store struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewR2Store はR2Storeを生成する。署名はローカルで計算され、生成時に通信は発生しない。
func NewR2Store(cfg Config) (*R2Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("storage endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       !cfg.Insecure,
		Region:       r2Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &R2Store{
		client:     client,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBase, "/"),
	}, nil
}

// PresignUpload はPUT用の署名付きURLを発行する。
func (s *R2Store) PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return u.String(), nil
}

// PresignDownload はGET用の署名付きURLを発行する。
// fileNameを指定するとダウンロード時のファイル名を指定する。
func (s *R2Store) PresignDownload(ctx context.Context, key string, ttl time.Duration, fileName string) (string, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", SanitizeFileName(fileName)))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return u.String(), nil
}

// PublicURL はキーの公開URLを返す。公開ベースが未設定の場合は空文字列。
func (s *R2Store) PublicURL(key string) string {
	if s.publicBase == "" || key == "" {
		return ""
	}
	return s.publicBase + "/" + strings.TrimLeft(key, "/")
}

// NewObjectKey はアップロード先のキーを生成する。
// 形式は uploads/<userID>/<uuid>-<ファイル名>。
func NewObjectKey(userID, fileName string) string {
	return path.Join("uploads", userID, uuid.New().String()+"-"+SanitizeFileName(fileName))
}

// SanitizeFileName はファイル名をキーに使える文字のみに変換する。
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeFileNameChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "file"
	}
	if len(name) > maxFileNameLength {
		name = name[len(name)-maxFileNameLength:]
	}
	return name
}

// OwnsKey はキーが指定ユーザーのアップロード領域にあるかを判定する。
func OwnsKey(userID, key string) bool {
	return strings.HasPrefix(key, "uploads/"+userID+"/")
}
