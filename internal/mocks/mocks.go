// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bwasti/llpkmn/internal/llmclient"
	"github.com/bwasti/llpkmn/internal/store"
)

// MockModel is a testify mock of llmclient.Model.
type MockModel struct {
	mock.Mock
}

func (m *MockModel) Generate(ctx context.Context, req llmclient.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockModel) Choose(ctx context.Context, req llmclient.GenerationRequest, options []string) (string, error) {
	args := m.Called(ctx, req, options)
	return args.String(0), args.Error(1)
}

func (m *MockModel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockJournal is a testify mock of store.Journal.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, rec store.StepRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockJournal) Steps(ctx context.Context, runID string) ([]store.StepRecord, error) {
	args := m.Called(ctx, runID)
	recs, _ := args.Get(0).([]store.StepRecord)
	return recs, args.Error(1)
}

func (m *MockJournal) Close() error {
	args := m.Called()
	return args.Error(0)
}
