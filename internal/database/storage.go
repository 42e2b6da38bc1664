package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hypernova-labs/nfse-service/internal/config"
	"github.com/sirupsen/logrus"
)

// ErrObjectNotFound indica que a chave não existe no bucket
var ErrObjectNotFound = errors.New("object not found")

// StorageClient é o cliente de armazenamento compatível com S3.
// Guarda bundles de certificado, XML assinado e DANFSe.
type StorageClient struct {
	s3Client *s3.Client
	config   config.StorageConfig
	logger   *logrus.Logger
}

// NewStorageClient cria o cliente S3 apontando para o endpoint configurado
func NewStorageClient(cfg config.StorageConfig, logger *logrus.Logger) (*StorageClient, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               cfg.Endpoint,
			SigningRegion:     cfg.Region,
			HostnameImmutable: true,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(customResolver),
		awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			},
		}),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &StorageClient{
		s3Client: s3Client,
		config:   cfg,
		logger:   logger,
	}, nil
}

// HealthCheck verifica o acesso ao bucket de documentos
func (s *StorageClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.DocumentBucket),
	})
	if err != nil {
		return fmt.Errorf("error checking storage connection: %w", err)
	}
	return nil
}

// DocumentBucket retorna o bucket de documentos fiscais
func (s *StorageClient) DocumentBucket() string {
	return s.config.DocumentBucket
}

// CertBucket retorna o bucket de certificados
func (s *StorageClient) CertBucket() string {
	return s.config.CertBucket
}

// UploadFile grava um objeto e retorna sua URL
func (s *StorageClient) UploadFile(ctx context.Context, bucketName, fileName string, fileData []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucketName),
		Key:           aws.String(fileName),
		Body:          bytes.NewReader(fileData),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(fileData))),
	})
	if err != nil {
		return "", fmt.Errorf("error uploading file to storage: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", s.config.Endpoint, bucketName, fileName)

	s.logger.WithFields(logrus.Fields{
		"bucket": bucketName,
		"file":   fileName,
		"size":   len(fileData),
	}).Info("File uploaded to storage")

	return url, nil
}

// DownloadFile lê um objeto; retorna ErrObjectNotFound se a chave não existir
func (s *StorageClient) DownloadFile(ctx context.Context, bucketName, fileName string) ([]byte, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(fileName),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s/%s: %w", bucketName, fileName, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("error downloading file from storage: %w", err)
	}
	defer result.Body.Close()

	fileData, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading file content: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": bucketName,
		"file":   fileName,
		"size":   len(fileData),
	}).Debug("File downloaded from storage")

	return fileData, nil
}

// DeleteFile remove um objeto
func (s *StorageClient) DeleteFile(ctx context.Context, bucketName, fileName string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return fmt.Errorf("error deleting file from storage: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": bucketName,
		"file":   fileName,
	}).Info("File deleted from storage")

	return nil
}
