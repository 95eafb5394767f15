package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

// mockS3 captures PutObject calls
type mockS3 struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.bucket = aws.ToString(params.Bucket)
	m.key = aws.ToString(params.Key)
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.body = body
	return &s3.PutObjectOutput{}, nil
}

func fixedArchiver(client S3API) *S3Archiver {
	a := NewWithClient(client, "vahti-audit", "")
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return a
}

func TestExport(t *testing.T) {
	client := &mockS3{}
	a := fixedArchiver(client)
	entries := []types.AuditLogEntry{
		{ID: "01A", UserID: "usr_1", GroupID: "grp_1", Action: types.ActionReject, Module: types.ModuleLiveCheck},
		{ID: "01B", UserID: "usr_2", GroupID: "grp_1", Action: types.ActionAutoBlock, Module: types.ModuleBatchScan},
	}

	key, err := a.Export(context.Background(), "grp_1", entries)

	require.NoError(t, err)
	assert.Equal(t, "audit/grp_1/20260304T050607Z.jsonl", key)
	assert.Equal(t, "vahti-audit", client.bucket)
	assert.Equal(t, key, client.key)

	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(client.body))
	for scanner.Scan() {
		var e types.AuditLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"01A", "01B"}, ids)
}

func TestExport_AllGroups(t *testing.T) {
	client := &mockS3{}
	a := fixedArchiver(client)

	key, err := a.Export(context.Background(), "", nil)

	require.NoError(t, err)
	assert.Equal(t, "audit/all/20260304T050607Z.jsonl", key)
	assert.Empty(t, client.body)
}

func TestExport_PutFailure(t *testing.T) {
	client := &mockS3{err: errors.New("AccessDenied")}
	a := fixedArchiver(client)

	_, err := a.Export(context.Background(), "grp_1", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://vahti-audit/")
}
