package writer

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/pkg/errors"
)

// Writer writes report artifacts to the local output dir and to S3.
type Writer interface {
	// Write data to a local file, creating parent directories
	WriteFile(filename string, data []byte) (string, error)
	// Write csv file
	WriteCSV(filename string, header []string, records [][]string) (string, error)
	// Write data to s3 bucket under prefix, returns the object key
	ExportToS3(ctx context.Context, bucket, prefix, key string, data []byte) (string, error)
	// Read an object from s3
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	// Deletes object from S3
	DeleteObjectFromS3(ctx context.Context, bucket, prefix, key string) error
}

type _Writer struct {
	awsClientMgr awsclientmgr.AWSClientMgr
	accountId    string
	baseDir      string
}

type WriterInitConfig struct {
	// BaseDir anchors relative file names; empty means the working directory
	BaseDir string
	// AWSClientMgr is only required for the S3 operations
	AWSClientMgr awsclientmgr.AWSClientMgr
	AccountId    string
}

func Init(config WriterInitConfig) Writer {
	return &_Writer{
		awsClientMgr: config.AWSClientMgr,
		accountId:    config.AccountId,
		baseDir:      config.BaseDir,
	}
}

func (w *_Writer) resolve(filename string) string {
	if filepath.IsAbs(filename) || w.baseDir == "" {
		return filename
	}
	return filepath.Join(w.baseDir, filename)
}

func (w *_Writer) WriteFile(filename string, data []byte) (string, error) {
	fullPath := w.resolve(filename)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating directory for %s", fullPath)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %s", fullPath)
	}
	return fullPath, nil
}

func (w *_Writer) WriteCSV(filename string, header []string, records [][]string) (string, error) {
	buf := &bytes.Buffer{}
	cw := csv.NewWriter(buf)
	if err := cw.Write(header); err != nil {
		return "", err
	}
	if err := cw.WriteAll(records); err != nil {
		return "", err
	}
	return w.WriteFile(filename, buf.Bytes())
}

func (w *_Writer) s3Client() (awsclientmgr.S3API, error) {
	if w.awsClientMgr == nil {
		return nil, errors.New("aws client manager is not set")
	}
	return awsclientmgr.S3Client(w.awsClientMgr, w.accountId)
}

func (w *_Writer) ExportToS3(ctx context.Context, bucket, prefix, key string, data []byte) (string, error) {
	client, err := w.s3Client()
	if err != nil {
		return "", err
	}
	fullKey := path.Join(prefix, key)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading s3://%s/%s", bucket, fullKey)
	}
	return fullKey, nil
}

func (w *_Writer) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	client, err := w.s3Client()
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "downloading s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading s3://%s/%s", bucket, key)
	}
	return data, nil
}

func (w *_Writer) DeleteObjectFromS3(ctx context.Context, bucket, prefix, key string) error {
	client, err := w.s3Client()
	if err != nil {
		return err
	}
	fullKey := path.Join(prefix, key)
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(fullKey),
	})
	return errors.Wrapf(err, "deleting s3://%s/%s", bucket, fullKey)
}
