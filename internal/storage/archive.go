package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/digkill/TestborBot/internal/models"
)

type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	Prefix       string
}

// ObjectPutter is the part of *s3.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReceiptArchive keeps the raw processor confirmation of every completed
// payment in a private bucket for later audit.
type ReceiptArchive struct {
	cfg    Config
	client ObjectPutter
	now    func() time.Time
}

func NewReceiptArchive(cfg Config) (*ReceiptArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newReceiptArchive(cfg, s3.New(options)), nil
}

func newReceiptArchive(cfg Config, client ObjectPutter) *ReceiptArchive {
	if cfg.Prefix == "" {
		cfg.Prefix = "receipts"
	}
	return &ReceiptArchive{
		cfg:    cfg,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveReceipt stores raw under prefix/yyyy/mm/dd/<intent>-<uuid>.json and
// returns the object key.
func (a *ReceiptArchive) ArchiveReceipt(ctx context.Context, intent models.PaymentIntent, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("no receipt to archive")
	}

	key := a.receiptKey(intent.IntentID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"intent-id": intent.IntentID,
			"user-id":   fmt.Sprint(intent.UserID),
			"rail":      string(intent.Rail),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload receipt to s3: %w", err)
	}
	return key, nil
}

func (a *ReceiptArchive) receiptKey(intentID string) string {
	now := a.now()
	prefix := strings.Trim(a.cfg.Prefix, "/")
	name := sanitizeKeyPart(intentID) + "-" + uuid.NewString() + ".json"
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), name)
}

func sanitizeKeyPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
