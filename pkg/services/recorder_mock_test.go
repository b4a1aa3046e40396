package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

// MockAlertRecorder is a mock implementation of the AlertRecorder interface
type MockAlertRecorder struct {
	mock.Mock
}

// Ensure MockAlertRecorder implements AlertRecorder
var _ AlertRecorder = (*MockAlertRecorder)(nil)

func (m *MockAlertRecorder) RecordAlertEvent(ctx context.Context, record models.AlertRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}
