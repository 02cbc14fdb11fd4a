package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"time"

	"LumiCreate-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var MinioClient *minio.Client

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
}

func contentTypeByExt(name string) string {
	switch filepath.Ext(name) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".srt", ".ass":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// PublishArtifact 上传本地产物到 MinIO，返回 72 小时有效的预签名 URL。
// 本地 storage 仍是权威存储，MinIO 只承担对外分发。
func PublishArtifact(localPath, objectName string) (string, error) {
	ctx := context.Background()
	cfg := config.AppConfig.MinIO
	bucketName := cfg.Bucket

	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return "", fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", bucketName)
	}

	_, err = MinioClient.FPutObject(ctx, bucketName, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeByExt(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	expiry := time.Hour * 72
	reqParams := make(url.Values)
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	log.Printf("产物已上传: %s", objectName)
	return presignedURL.String(), nil
}
