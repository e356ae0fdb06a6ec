package kafka

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattiacalastri/btc-predictions/internal/model"
)

// TestProducerConfig 测试生产者配置
func TestProducerConfig_Defaults(t *testing.T) {
	cfg := &ProducerConfig{
		Brokers:  []string{"localhost:9092"},
		ClientID: "audit-producer",
	}

	assert.Len(t, cfg.Brokers, 1)
	assert.Equal(t, "audit-producer", cfg.ClientID)
}

// TestAuditConfirmationSerialization 测试审计确认序列化
func TestAuditConfirmationSerialization(t *testing.T) {
	confirmation := &model.AuditConfirmation{
		BetID:       42,
		Phase:       model.AuditPhaseCommit,
		Hash:        "0xdeadbeef",
		TxHash:      "0xabc123",
		BlockNumber: 12345,
		GasUsed:     46000,
		Status:      "CONFIRMED",
		ConfirmedAt: 1735000000000,
	}

	data, err := json.Marshal(confirmation)
	require.NoError(t, err)

	var decoded model.AuditConfirmation
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, uint64(42), decoded.BetID)
	assert.Equal(t, "COMMIT", decoded.Phase)
	assert.Equal(t, "CONFIRMED", decoded.Status)
	assert.Equal(t, int64(12345), decoded.BlockNumber)
	assert.Empty(t, decoded.Error) // omitted when empty
}

// TestFailedConfirmationCarriesError 测试失败确认包含错误信息
func TestFailedConfirmationCarriesError(t *testing.T) {
	confirmation := &model.AuditConfirmation{
		BetID:  7,
		Phase:  model.AuditPhaseResolve,
		Status: "FAILED",
		Error:  "connection refused",
	}

	data, err := json.Marshal(confirmation)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error":"connection refused"`)
}
