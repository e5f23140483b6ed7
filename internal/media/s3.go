package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store reads s3://<bucket>/<key> objects.
type S3Store struct {
	API      s3iface.S3API
	MaxBytes int64
}

// NewS3Store uses the default credential chain for region.
func NewS3Store(region string, maxBytes int64) (S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return S3Store{}, fmt.Errorf("aws session: %w", err)
	}
	return S3Store{API: s3.New(sess), MaxBytes: maxBytes}, nil
}

func (s S3Store) Fetch(ctx context.Context, locator string) (Object, error) {
	bucket, key, err := splitS3(locator)
	if err != nil {
		return Object{}, err
	}
	out, err := s.API.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", locator, err)
	}
	defer out.Body.Close()
	if out.ContentLength != nil && s.MaxBytes > 0 && *out.ContentLength > s.MaxBytes {
		return Object{}, fmt.Errorf("get %s: %w", locator, ErrTooLarge)
	}
	data, err := readLimited(out.Body, s.MaxBytes)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", locator, err)
	}
	return Object{Locator: locator, ContentType: sniff(aws.StringValue(out.ContentType), data), Data: data}, nil
}

func splitS3(locator string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(locator, "s3://")
	i := strings.Index(rest, "/")
	if rest == locator || i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%s: expected s3://bucket/key: %w", locator, ErrUnsupportedLocator)
	}
	return rest[:i], rest[i+1:], nil
}
