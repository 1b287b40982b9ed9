package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/xerrors"
)

const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = 30 * time.Second
	// records beyond this are dropped while S3 is unreachable
	DefaultMaxBuffered = 10000
)

// PutObjectAPI is the slice of the S3 client the sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Logger log.Logger

	// objects land at s3://{Bucket}/{Prefix}/YYYY/MM/DD/{unix-nanos}-{uuid}.jsonl
	Bucket string
	Prefix string
	Region string

	BatchSize     int
	FlushInterval time.Duration
	MaxBuffered   int

	// AWS config (uses default chain if nil); ignored when Client is set
	AWSConfig *aws.Config
	Client    PutObjectAPI

	Now func() time.Time
}

// S3Sink buffers records and ships them as JSON lines. Flushes happen when
// the batch fills, on every FlushInterval tick, and on Close.
type S3Sink struct {
	opts   S3Options
	client PutObjectAPI
	logger log.Logger

	mu      sync.Mutex
	buf     []Record
	dropped int
	// result of the most recent upload attempt
	lastErr error

	kick      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewS3Sink builds the sink and starts its flush loop. The loop exits when
// Close is called.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("audit bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBuffered < opts.BatchSize {
		opts.MaxBuffered = max(DefaultMaxBuffered, opts.BatchSize)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := opts.Client
	if client == nil {
		var awsCfg aws.Config
		var err error
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var lo []func(*config.LoadOptions) error
			if opts.Region != "" {
				lo = append(lo, config.WithRegion(opts.Region))
			}
			awsCfg, err = config.LoadDefaultConfig(ctx, lo...)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		client = s3.NewFromConfig(awsCfg)
	}

	s := &S3Sink{
		opts:    opts,
		client:  client,
		logger:  opts.Logger,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *S3Sink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.opts.MaxBuffered {
		s.dropped++
		return xerrors.Newf("audit buffer full (%d records)", len(s.buf))
	}
	s.buf = append(s.buf, rec)
	if len(s.buf) >= s.opts.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *S3Sink) loop() {
	defer close(s.stopped)
	t := time.NewTicker(s.opts.FlushInterval)
	defer t.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		case <-s.kick:
		}
		if err := s.Flush(ctx); err != nil {
			s.logger.Error(ctx, err, "audit flush failed", "bucket", s.opts.Bucket)
		}
	}
}

// Flush uploads everything buffered as one object. On failure the records
// are put back at the front of the buffer for the next attempt.
func (s *S3Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn(ctx, "audit records dropped", "count", dropped)
	}
	if len(batch) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	records := 0
	for _, rec := range batch {
		// encoding failures are per record; the rest of the batch still ships
		mark := body.Len()
		if err := enc.Encode(rec); err != nil {
			body.Truncate(mark)
			s.logger.Warn(ctx, "audit record dropped", "id", rec.ID, "reason", err.Error())
			continue
		}
		records++
	}
	if records == 0 {
		return nil
	}

	// S3 rejects the upload if the body does not match the checksum
	sum := sha256.Sum256(body.Bytes())
	key := s.objectKey()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(s.opts.Bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(body.Bytes()),
		ContentType:    aws.String("application/x-ndjson"),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata: map[string]string{
			"records": strconv.Itoa(records),
			"sha256":  hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		err = xerrors.Wrapf(err, "put s3://%s/%s", s.opts.Bucket, key)
		s.requeue(batch, err)
		return err
	}
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Debug(ctx, "audit batch uploaded",
		"bucket", s.opts.Bucket,
		"key", key,
		"records", records,
	)
	return nil
}

func (s *S3Sink) requeue(batch []Record, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = cause
	merged := append(batch, s.buf...)
	if over := len(merged) - s.opts.MaxBuffered; over > 0 {
		s.dropped += over
		merged = merged[over:]
	}
	s.buf = merged
}

func (s *S3Sink) objectKey() string {
	now := s.opts.Now().UTC()
	name := fmt.Sprintf("%d-%s.jsonl", now.UnixNano(), uuid.NewString())
	return path.Join(s.opts.Prefix, now.Format("2006/01/02"), name)
}

// Close stops the flush loop and uploads what is left. Safe to call more
// than once.
func (s *S3Sink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.stopped:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = s.Flush(ctx)
	})
	return err
}

// Buffered reports how many records await upload.
func (s *S3Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Check fails while the last upload failed or the buffer is full. It
// satisfies health.Probe.
func (s *S3Sink) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.opts.MaxBuffered {
		return xerrors.Newf("buffer full (%d records)", len(s.buf))
	}
	if s.lastErr != nil {
		return xerrors.Wrap(s.lastErr, "last flush failed")
	}
	return nil
}
