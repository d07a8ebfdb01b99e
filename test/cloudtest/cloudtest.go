// Package cloudtest runs report archive tests against a local moto S3
// endpoint. Tests using it are tagged //go:build cloudintegration.
//
//	cloudtest.SkipIfUnavailable(t)
//	bucket := cloudtest.CreateBucket(t, ctx)
//	a, _ := report.NewS3Archiver(ctx, cloudtest.ArchiverConfig(bucket, "reports/"))
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/courtsync/pkg/report"
)

// moto accepts any credentials.
const testCredential = "testing"

var (
	// Endpoint is the moto server, overridable with MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")

	// Region is overridable with MOTO_REGION.
	Region = envOr("MOTO_REGION", "us-east-1")

	bucketChars = regexp.MustCompile(`[^a-z0-9-]+`)
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SkipIfUnavailable skips t when moto does not answer.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Skipf("moto not available at %s: %v", Endpoint, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Skipf("moto at %s answered %d", Endpoint, resp.StatusCode)
	}
}

func client(t *testing.T, ctx context.Context) *s3.Client {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(testCredential, testCredential, "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})
}

// CreateBucket creates a bucket named after the test and empties and
// removes it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := client(t, ctx)

	name := bucketChars.ReplaceAllString(strings.ToLower(t.Name()), "-")
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", strings.Trim(name, "-"), time.Now().UnixNano()%100000)

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	require.NoError(t, err, "create bucket %s", name)

	t.Cleanup(func() {
		ctx := context.Background()
		p := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				t.Logf("list %s: %v", name, err)
				return
			}
			for _, obj := range page.Contents {
				_, _ = c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(name), Key: obj.Key})
			}
		}
		if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
			t.Logf("delete bucket %s: %v", name, err)
		}
	})
	return name
}

// GetObject reads an archived object back.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) []byte {
	t.Helper()
	out, err := client(t, ctx).GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	require.NoError(t, err, "get %s/%s", bucket, key)
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	return body
}

// ArchiverConfig points a report archiver at moto.
func ArchiverConfig(bucket, prefix string) report.S3Config {
	return report.S3Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     testCredential,
		SecretAccessKey: testCredential,
		ForcePathStyle:  true,
	}
}
