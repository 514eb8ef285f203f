package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = b
	return &s3.PutObjectOutput{}, f.err
}

func TestNewS3Sink_AppliesOptions(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		require.NotNil(t, lo.Credentials)
		return aws.Config{}, nil
	}

	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&opts)
		}
		return &s3.Client{}
	}

	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket:    "backups",
		Region:    "eu-central-1",
		Endpoint:  "http://127.0.0.1:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Prefix:    "/rs/",
	})
	require.NoError(t, err)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://127.0.0.1:9000", *opts.BaseEndpoint)
	assert.True(t, opts.UsePathStyle)
	assert.Equal(t, "rs", sink.prefix)
}

func TestNewS3Sink_Errors(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	require.Error(t, err)

	origLoad := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = origLoad })
	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = NewS3Sink(context.Background(), S3Config{Bucket: "b"})
	require.ErrorContains(t, err, "no config")
}

func TestS3Sink_Upload(t *testing.T) {
	p := &fakePutter{}
	sink := &S3Sink{client: p, bucket: "backups", prefix: "rs"}

	s := models.Snapshot{
		Collection: "checkpoints",
		TakenAt:    time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
		Reason:     "quota",
		Records:    []models.Record{{ID: "1", Date: "2025-03-04"}},
	}
	require.NoError(t, sink.Upload(context.Background(), s))

	assert.Equal(t, "backups", aws.ToString(p.in.Bucket))
	assert.Equal(t, "rs/checkpoints/20250304T050607.000000000Z.json", aws.ToString(p.in.Key))
	assert.Equal(t, "application/json", aws.ToString(p.in.ContentType))

	var back models.Snapshot
	require.NoError(t, json.Unmarshal(p.body, &back))
	assert.Equal(t, s.Records, back.Records)
	assert.True(t, s.TakenAt.Equal(back.TakenAt))
}

func TestS3Sink_UploadError(t *testing.T) {
	sink := &S3Sink{client: &fakePutter{err: errors.New("denied")}, bucket: "b"}
	err := sink.Upload(context.Background(), models.Snapshot{Collection: "c"})
	require.ErrorContains(t, err, "denied")
}
