package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// SendResult 发送结果
type SendResult struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Producer 同步生产者
type Producer struct {
	syncProducer sarama.SyncProducer
	closed       int32

	sent   int64
	failed int64
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	if cfg == nil {
		cfg = DefaultProducerConfig()
	}
	if len(cfg.Brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	saramaConfig, err := buildSaramaProducerConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build sarama config failed: %w", err)
	}

	syncProducer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create sync producer failed: %w", err)
	}

	logger.Info("kafka producer created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("client_id", cfg.ClientID),
		zap.Bool("idempotent", cfg.Idempotent),
	)
	return NewProducerFromSync(syncProducer), nil
}

// NewProducerFromSync 基于已有的 sarama.SyncProducer 创建 (测试中传入 mocks)
func NewProducerFromSync(sp sarama.SyncProducer) *Producer {
	return &Producer{syncProducer: sp}
}

// buildSaramaProducerConfig 构建 sarama 生产者配置
func buildSaramaProducerConfig(cfg *ProducerConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	if err := applyCommon(saramaConfig, &cfg.Config); err != nil {
		return nil, err
	}

	if cfg.Idempotent {
		saramaConfig.Producer.Idempotent = true
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Net.MaxOpenRequests = 1
	} else {
		switch cfg.RequiredAcks {
		case 0:
			saramaConfig.Producer.RequiredAcks = sarama.NoResponse
		case 1:
			saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
		default:
			saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		}
	}

	saramaConfig.Producer.Retry.Max = cfg.MaxRetries
	if cfg.RetryBackoff > 0 {
		saramaConfig.Producer.Retry.Backoff = cfg.RetryBackoff
	}
	if cfg.Timeout > 0 {
		saramaConfig.Producer.Timeout = cfg.Timeout
	}

	switch cfg.Compression {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	// 同步生产者必须返回结果
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	// key 相同的消息进入同一分区，保证同一义务槽位的顺序
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	return saramaConfig, nil
}

// applyCommon 应用版本、客户端 ID、SASL、TLS
func applyCommon(saramaConfig *sarama.Config, cfg *Config) error {
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return fmt.Errorf("parse kafka version failed: %w", err)
		}
		saramaConfig.Version = version
	}
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}

	if cfg.SASL != nil && cfg.SASL.Enable {
		applySASL(saramaConfig, cfg.SASL)
	}

	if cfg.TLS != nil && cfg.TLS.Enable {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("build tls config failed: %w", err)
		}
		saramaConfig.Net.TLS.Enable = true
		saramaConfig.Net.TLS.Config = tlsConfig
	}
	return nil
}

// buildTLSConfig 构建 TLS 配置
func buildTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load cert pair failed: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file failed: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Send 同步发送单条消息
func (p *Producer) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrProducerClosed
	}
	if msg == nil {
		return nil, ErrMessageNil
	}
	if msg.Topic == "" {
		return nil, ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	partition, offset, err := p.syncProducer.SendMessage(toProducerMessage(msg))
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		logger.Error("send message failed",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return nil, fmt.Errorf("send to %s failed: %w", msg.Topic, err)
	}
	atomic.AddInt64(&p.sent, 1)

	logger.Debug("message sent",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return &SendResult{Topic: msg.Topic, Partition: partition, Offset: offset}, nil
}

// PublishJSON 以 JSON 编码 v 并发送到 topic
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) error {
	msg, err := NewJSONMessage(topic, key, v)
	if err != nil {
		return err
	}
	for k, val := range headers {
		msg.SetHeader(k, val)
	}
	_, err = p.Send(ctx, msg)
	return err
}

// Stats 返回发送成功与失败次数
func (p *Producer) Stats() (sent, failed int64) {
	return atomic.LoadInt64(&p.sent), atomic.LoadInt64(&p.failed)
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	return p.syncProducer.Close()
}
