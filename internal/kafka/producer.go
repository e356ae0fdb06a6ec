// ========================================
// Kafka 生产者对接说明 (producer)
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: audit-confirmed
//    - 消费者: trading bot / dashboards
//    - 消息内容: AuditConfirmation (commit or resolve mined, or given up)
//    - 处理逻辑: sent when an on-chain write confirms, when the indexer
//      sees the event, or when the writer gives up after retries
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicAuditConfirmed 审计确认 Topic
	// 生产者: btc-predictions audit service
	// Partition Key: bet_id
	// 消息格式: model.AuditConfirmation
	TopicAuditConfirmed = "audit-confirmed"
)

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.KafkaMessagesTotal.WithLabelValues(topic, "error").Inc()
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	metrics.KafkaMessagesTotal.WithLabelValues(topic, "ok").Inc()
	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendAuditConfirmation 发送审计确认事件
func (p *Producer) SendAuditConfirmation(ctx context.Context, confirmation *model.AuditConfirmation) error {
	data, err := json.Marshal(confirmation)
	if err != nil {
		return err
	}

	return p.send(TopicAuditConfirmed, strconv.FormatUint(confirmation.BetID, 10), data)
}
