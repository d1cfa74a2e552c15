//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_message_store.go -package=mocks
package server

import (
	"context"

	"chatd/models"
)

// MessageStore is where delivered chat lines are logged. Append failures
// are reported, never retried, and never undo a delivery.
type MessageStore interface {
	Append(ctx context.Context, msg models.ChatMessage) error
}

// HistoryReader is implemented by stores that can list what they logged.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// messageCounter is the optional size report shown by the control socket.
type messageCounter interface {
	Count(ctx context.Context) (int, error)
}
