// Package kafka 提供 Kafka 消费者和生产者功能
//
// ========================================
// Kafka 消息流对接说明 (message flow)
// ========================================
//
// ## 消费者 (Consumer) - 本服务订阅的 Topic
//
// 1. Topic: predictions
//    - 生产者: trading bot (bet open path)
//    - 消息内容: PredictionMessage (new bet, pre-trade fields)
//    - 处理逻辑: compute commit hash, write it on chain, mirror row
//
// 2. Topic: outcomes
//    - 生产者: trading bot (bet close path)
//    - 消息内容: OutcomeMessage (closed bet, post-close fields)
//    - 处理逻辑: compute resolve hash, write it on chain
//
// Audit writes are fail-open: a malformed or unprocessable message is
// logged, counted and skipped so the consumer never stalls the bot's
// message stream.
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/internal/service"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

// Kafka 消费者订阅的 Topic
const (
	// TopicPredictions 新预测 Topic
	// 生产者: trading bot
	// 消费者: btc-predictions audit service
	// Partition Key: bet_id
	// 消息格式: model.PredictionMessage
	TopicPredictions = "predictions"

	// TopicOutcomes 平仓结果 Topic
	// 生产者: trading bot
	// 消费者: btc-predictions audit service
	// Partition Key: bet_id
	// 消息格式: model.OutcomeMessage
	TopicOutcomes = "outcomes"
)

// Consumer Kafka 消费者
type Consumer struct {
	client   sarama.ConsumerGroup
	auditSvc *service.AuditService
	topics   []string
	groupID  string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	ClientID     string
	AuditService *service.AuditService
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   client,
		auditSvc: cfg.AuditService,
		topics:   []string{TopicPredictions, TopicOutcomes},
		groupID:  cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	handler := &consumerGroupHandler{auditSvc: c.auditSvc}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	auditSvc *service.AuditService
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := context.Background()

		var err error
		switch msg.Topic {
		case TopicPredictions:
			err = h.handlePrediction(ctx, msg.Value)
		case TopicOutcomes:
			err = h.handleOutcome(ctx, msg.Value)
		default:
			logger.Warn("unknown topic", zap.String("topic", msg.Topic))
		}

		if err != nil {
			metrics.KafkaMessagesTotal.WithLabelValues(msg.Topic, "error").Inc()
			logger.Error("failed to handle kafka message",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		} else {
			metrics.KafkaMessagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
		}

		// Mark regardless of outcome: audit writes are fail-open and a
		// poisoned message must not wedge the partition.
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handlePrediction(ctx context.Context, data []byte) error {
	var msg model.PredictionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	logger.Debug("received prediction",
		zap.Uint64("bet_id", msg.BetID),
		zap.String("direction", msg.Direction))

	_, err := h.auditSvc.CommitPrediction(ctx, &msg)
	return err
}

func (h *consumerGroupHandler) handleOutcome(ctx context.Context, data []byte) error {
	var msg model.OutcomeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	logger.Debug("received outcome",
		zap.Uint64("bet_id", msg.BetID),
		zap.Bool("won", msg.Won))

	_, err := h.auditSvc.ResolvePrediction(ctx, &msg)
	return err
}
