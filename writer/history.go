package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "floorwatch/config"
	"floorwatch/internal/channel"
	"floorwatch/logger"
	"floorwatch/models"
)

// AlertRecord is the parquet row schema for delivered alerts.
type AlertRecord struct {
	Subscriber int64   `parquet:"name=subscriber, type=INT64"`
	Slug       string  `parquet:"name=slug, type=BYTE_ARRAY, convertedtype=UTF8"`
	GapPercent float64 `parquet:"name=gap_percent, type=DOUBLE"`
	Message    string  `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// HistoryWriter archives every delivered alert as parquet files in S3,
// flushed on an interval and once more on shutdown.
type HistoryWriter struct {
	config      *appconfig.Config
	channels    *channel.Channels
	s3Client    *s3.Client
	ctx         context.Context
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      []models.SentAlert
	flushTicker *time.Ticker
}

func NewHistoryWriter(cfg *appconfig.Config, channels *channel.Channels) (*HistoryWriter, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("history_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := &HistoryWriter{
		config:   cfg,
		channels: channels,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("history_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("history writer initialized")

	return w, nil
}

func (w *HistoryWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("history writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting history writer")

	w.flushTicker = time.NewTicker(w.config.Storage.History.FlushInterval.Std())

	w.wg.Add(1)
	go w.worker()

	log.Info("history writer started successfully")
	return nil
}

func (w *HistoryWriter) Stop() {
	w.mu.Lock()
	w.running = false
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("history_writer").Info("stopping history writer")
	w.wg.Wait()
	w.log.WithComponent("history_writer").Info("history writer stopped")
}

func (w *HistoryWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{"worker": "archive"})
	log.Info("starting archive worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			log.Info("archive worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flush("interval")
		case alert, ok := <-w.channels.Alerts:
			if !ok {
				w.flush("channel_closed")
				log.Info("alerts channel closed, archive worker stopping")
				return
			}
			w.mu.Lock()
			w.buffer = append(w.buffer, alert)
			w.mu.Unlock()
		}
	}
}

func (w *HistoryWriter) flush(reason string) {
	w.mu.Lock()
	alerts := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(alerts) == 0 {
		return
	}

	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"alerts": len(alerts),
		"reason": reason,
	})
	log.Info("flushing alert history")

	key := w.generateS3Key(alerts[0].Timestamp)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.createParquetFile(alerts)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementHistoryWrite(int64(len(data)))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("alert history flushed")
}

func (w *HistoryWriter) generateS3Key(ts time.Time) string {
	ts = ts.UTC()
	filename := fmt.Sprintf("alerts_%s_%s.parquet", ts.Format("20060102150405"), uuid.New().String()[:8])
	return path.Join(
		w.config.Storage.S3.Prefix,
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		filename,
	)
}

func (w *HistoryWriter) createParquetFile(alerts []models.SentAlert) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(AlertRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Storage.History.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, alert := range alerts {
		record := AlertRecord{
			Subscriber: alert.Subscriber,
			Slug:       alert.Slug,
			GapPercent: alert.GapPercent,
			Message:    alert.Message,
			Timestamp:  alert.Timestamp.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *HistoryWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.Storage.History.Compression,
			"floorwatch-version": w.config.Floorwatch.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
