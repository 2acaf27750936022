package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"property-chat/internal/models"
)

type EventStoreMock struct {
	mock.Mock
}

func (m *EventStoreMock) Append(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error) {
	args := m.Called(ctx, ev)
	var stored models.ChatEvent
	if val := args.Get(0); val != nil {
		stored = val.(models.ChatEvent)
	}
	return stored, args.Error(1)
}

func (m *EventStoreMock) RecentEvents(ctx context.Context, propertyID int, limit int) ([]models.ChatEvent, error) {
	args := m.Called(ctx, propertyID, limit)
	var events []models.ChatEvent
	if val := args.Get(0); val != nil {
		events = val.([]models.ChatEvent)
	}
	return events, args.Error(1)
}

func (m *EventStoreMock) FindLastMessage(ctx context.Context, propertyID int, userID int, timestamp int64) (models.ChatEvent, error) {
	args := m.Called(ctx, propertyID, userID, timestamp)
	var ev models.ChatEvent
	if val := args.Get(0); val != nil {
		ev = val.(models.ChatEvent)
	}
	return ev, args.Error(1)
}

func (m *EventStoreMock) MarkDeleted(ctx context.Context, eventID int, tombstone string) error {
	args := m.Called(ctx, eventID, tombstone)
	return args.Error(0)
}

type PropertyStoreMock struct {
	mock.Mock
}

func (m *PropertyStoreMock) IsParticipant(ctx context.Context, propertyID int, userID int) (bool, error) {
	args := m.Called(ctx, propertyID, userID)
	return args.Bool(0), args.Error(1)
}
