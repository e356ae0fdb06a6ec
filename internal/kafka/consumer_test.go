package kafka

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mattiacalastri/btc-predictions/internal/model"
)

// TestConsumerConfig 测试消费者配置
func TestConsumerConfig_Defaults(t *testing.T) {
	cfg := &ConsumerConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "audit-group",
	}

	assert.Len(t, cfg.Brokers, 1)
	assert.Equal(t, "audit-group", cfg.GroupID)
}

// TestPredictionMessageDeserialization 测试预测消息反序列化
func TestPredictionMessageDeserialization(t *testing.T) {
	jsonData := `{
		"bet_id": 42,
		"direction": "UP",
		"confidence": "0.87",
		"entry_price": "65000.50",
		"bet_size": "0.015",
		"timestamp": 1735000000
	}`

	var msg model.PredictionMessage
	err := json.Unmarshal([]byte(jsonData), &msg)

	assert.NoError(t, err)
	assert.Equal(t, uint64(42), msg.BetID)
	assert.Equal(t, "UP", msg.Direction)
	assert.True(t, msg.Confidence.Equal(decimal.NewFromFloat(0.87)))
	assert.True(t, msg.EntryPrice.Equal(decimal.NewFromFloat(65000.50)))
	assert.True(t, msg.BetSize.Equal(decimal.NewFromFloat(0.015)))
	assert.Equal(t, int64(1735000000), msg.Timestamp)
}

// TestOutcomeMessageDeserialization 测试平仓消息反序列化
func TestOutcomeMessageDeserialization(t *testing.T) {
	jsonData := `{
		"bet_id": 42,
		"exit_price": "65120.25",
		"pnl": "-3.75",
		"won": false,
		"close_timestamp": 1735003600
	}`

	var msg model.OutcomeMessage
	err := json.Unmarshal([]byte(jsonData), &msg)

	assert.NoError(t, err)
	assert.Equal(t, uint64(42), msg.BetID)
	assert.True(t, msg.ExitPrice.Equal(decimal.NewFromFloat(65120.25)))
	assert.True(t, msg.PnL.Equal(decimal.NewFromFloat(-3.75)))
	assert.False(t, msg.Won)
	assert.Equal(t, int64(1735003600), msg.CloseTimestamp)
}

// TestConsumerTopics 测试订阅的 Topic 列表
func TestConsumerTopics(t *testing.T) {
	assert.Equal(t, "predictions", TopicPredictions)
	assert.Equal(t, "outcomes", TopicOutcomes)
}
