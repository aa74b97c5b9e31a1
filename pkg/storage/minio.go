// Package storage提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"telegemini-go/internal/config"
	"telegemini-go/pkg/datauri"
	"telegemini-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// ImageArchiver 把消息中的内联图片另存到 MinIO。
type ImageArchiver struct {
	client     *minio.Client
	bucketName string
}

// NewImageArchiver 创建一个写入 bucketName 的 ImageArchiver。
func NewImageArchiver(client *minio.Client, bucketName string) *ImageArchiver {
	return &ImageArchiver{client: client, bucketName: bucketName}
}

// ObjectName 返回图片在存储桶中的对象名。
func ObjectName(personaID, turnID, mimeType string) string {
	return fmt.Sprintf("images/%s/%s%s", personaID, turnID, datauri.Extension(mimeType))
}

// Archive 解码 data URI 并上传，返回对象名。
func (a *ImageArchiver) Archive(ctx context.Context, personaID, turnID, dataURI string) (string, error) {
	img, err := datauri.Parse(dataURI)
	if err != nil {
		return "", err
	}
	objectName := ObjectName(personaID, turnID, img.MIMEType)
	_, err = a.client.PutObject(ctx, a.bucketName, objectName, bytes.NewReader(img.Data), int64(len(img.Data)),
		minio.PutObjectOptions{ContentType: img.MIMEType})
	if err != nil {
		return "", fmt.Errorf("上传图片到 MinIO 失败: %w", err)
	}
	log.Infof("[ImageArchiver] 图片已归档: %s/%s (%d 字节)", a.bucketName, objectName, len(img.Data))
	return objectName, nil
}

// PresignedURL 为已归档的图片生成一个限时下载链接。
func (a *ImageArchiver) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := a.client.PresignedGetObject(ctx, a.bucketName, objectName, expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
