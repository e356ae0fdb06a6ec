package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuditPhaseStatus_String(t *testing.T) {
	tests := []struct {
		status   AuditPhaseStatus
		expected string
	}{
		{AuditPhaseStatusPending, "PENDING"},
		{AuditPhaseStatusSubmitted, "SUBMITTED"},
		{AuditPhaseStatusConfirmed, "CONFIRMED"},
		{AuditPhaseStatusFailed, "FAILED"},
		{AuditPhaseStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestAuditPhaseStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status     AuditPhaseStatus
		isTerminal bool
	}{
		{AuditPhaseStatusPending, false},
		{AuditPhaseStatusSubmitted, false},
		{AuditPhaseStatusConfirmed, true},
		{AuditPhaseStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.isTerminal, tt.status.IsTerminal())
		})
	}
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "audit_records", AuditRecord{}.TableName())
	assert.Equal(t, "audit_block_checkpoints", BlockCheckpoint{}.TableName())
	assert.Equal(t, "audit_chain_events", ChainEvent{}.TableName())
}
