package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{name: "bucket only", cfg: S3Config{Bucket: "reports"}},
		{name: "missing bucket", cfg: S3Config{}, wantErr: true},
		{name: "half credentials", cfg: S3Config{Bucket: "reports", AccessKeyID: "AKIA"}, wantErr: true},
		{name: "full credentials", cfg: S3Config{Bucket: "reports", AccessKeyID: "AKIA", SecretAccessKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				var cfgErr *ConfigError
				assert.True(t, errors.As(err, &cfgErr))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", "", ""))
	assert.Equal(t, "", resolveRegion("", "http://localhost:9000", ""))
}

type recordedPut struct {
	method string
	path   string
	ctype  string
	body   string
}

func fakeS3(t *testing.T, status int, errBody string) (*httptest.Server, *[]recordedPut) {
	t.Helper()
	var mu sync.Mutex
	var puts []recordedPut
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts = append(puts, recordedPut{method: r.Method, path: r.URL.Path, ctype: r.Header.Get("Content-Type"), body: string(b)})
		mu.Unlock()
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, errBody)
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &puts
}

func newTestS3Archiver(t *testing.T, endpoint string) *S3Archiver {
	t.Helper()
	a, err := NewS3Archiver(context.Background(), S3Config{
		Bucket:          "reports",
		Prefix:          "/courtsync/",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "testing",
		SecretAccessKey: "testing",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	return a
}

func TestS3ArchiverPutsUnderPrefix(t *testing.T) {
	srv, puts := fakeS3(t, http.StatusOK, "")
	a := newTestS3Archiver(t, srv.URL)

	loc, err := a.Archive(context.Background(), "runs/2025/02/10/run_1.json", []byte(`{"run_id":"run_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://reports/courtsync/runs/2025/02/10/run_1.json", loc)

	require.Len(t, *puts, 1)
	got := (*puts)[0]
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/reports/courtsync/runs/2025/02/10/run_1.json", got.path)
	assert.Equal(t, "application/json", got.ctype)
	assert.Contains(t, got.body, `"run_id":"run_1"`)
}

func TestS3ArchiverAccessDenied(t *testing.T) {
	srv, _ := fakeS3(t, http.StatusForbidden,
		`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
	a := newTestS3Archiver(t, srv.URL)

	_, err := a.Archive(context.Background(), "runs/x.json", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)

	var archiveErr *ArchiveError
	require.True(t, errors.As(err, &archiveErr))
	assert.Equal(t, "courtsync/runs/x.json", archiveErr.Key)
}

func TestWrapErrorCodes(t *testing.T) {
	a := &S3Archiver{bucket: "reports"}
	tests := []struct {
		code string
		want error
	}{
		{code: "NoSuchBucket", want: ErrBucketNotFound},
		{code: "InvalidAccessKeyId", want: ErrAccessDenied},
		{code: "SlowDown", want: ErrThrottled},
		{code: "InternalError", want: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := a.wrapError("PutObject", "k", &smithy.GenericAPIError{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("dial tcp: refused")
	assert.ErrorIs(t, a.wrapError("PutObject", "k", plain), plain)
}
