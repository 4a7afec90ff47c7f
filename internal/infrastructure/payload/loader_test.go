package payload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

const samplePayload = `{
	"fieldName": "drugOrders",
	"encounterId": "E2",
	"mode": "ENTRY",
	"today": "2024-06-01",
	"supportedActions": ["NEW", "RENEW", "REVISE", "DISCONTINUE"],
	"history": [
		{"orderId": "A", "encounterId": "E1", "action": {"value": "NEW"}, "dateActivated": {"value": "2024-01-01"}}
	]
}`

// objectServer serves path-style GETs for a fixed set of keys.
type objectServer struct{ objects map[string]string }

func (m *objectServer) RoundTrip(req *http.Request) (*http.Response, error) {
	body, ok := m.objects[strings.TrimPrefix(req.URL.Path, "/")]
	if req.Method != http.MethodGet || !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader(`<Error><Code>NoSuchKey</Code></Error>`)),
			Header:     http.Header{"Content-Type": {"application/xml"}},
		}, nil
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"application/json"}},
	}, nil
}

func mockClient(objects map[string]string) *s3.Client {
	return s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIA", "SECRET", ""),
		HTTPClient:   &http.Client{Transport: &objectServer{objects: objects}},
		UsePathStyle: true,
		BaseEndpoint: aws.String("https://mock.s3.local"),
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(samplePayload), 0o600))

	cfg, raw, err := NewLoader(nil).LoadConfig(context.Background(), path)
	require.NoError(t, err)
	assert.JSONEq(t, samplePayload, string(raw))
	assert.Equal(t, "E2", cfg.EncounterID)
	assert.Equal(t, order.ModeEntry, cfg.Mode)
	assert.Len(t, cfg.History, 1)
}

func TestLoadStdin(t *testing.T) {
	l := NewLoader(nil)
	l.stdin = bytes.NewBufferString(samplePayload)

	raw, err := l.Load(context.Background(), "-")
	require.NoError(t, err)
	assert.JSONEq(t, samplePayload, string(raw))
}

func TestLoadS3Object(t *testing.T) {
	l := NewLoader(mockClient(map[string]string{"forms/enc-E2.json": samplePayload}))

	cfg, _, err := l.LoadConfig(context.Background(), "s3://forms/enc-E2.json")
	require.NoError(t, err)
	assert.Equal(t, "drugOrders", cfg.FieldName)

	_, err = l.Load(context.Background(), "s3://forms/missing.json")
	assert.Error(t, err)
}

func TestLoadS3WithoutClient(t *testing.T) {
	_, err := NewLoader(nil).Load(context.Background(), "s3://forms/a.json")
	assert.ErrorIs(t, err, ErrNoObjectStore)
}

func TestSplitS3(t *testing.T) {
	bucket, key, err := SplitS3("s3://forms/2024/enc.json")
	require.NoError(t, err)
	assert.Equal(t, "forms", bucket)
	assert.Equal(t, "2024/enc.json", key)

	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		_, _, err := SplitS3(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"history": "nope"}`), 0o600))

	_, _, err := NewLoader(nil).LoadConfig(context.Background(), path)
	assert.Error(t, err)
}
