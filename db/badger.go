package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatd/models"

	"github.com/dgraph-io/badger/v4"
)

const (
	messagePrefix = "msg:"
	sequenceKey   = "seq:messages"
)

// BadgerDB stores messages under "msg:{id}" where id is a 19-digit,
// zero-padded sequence number, so key order is insertion order.
type BadgerDB struct {
	db  *badger.DB
	seq *badger.Sequence
}

type badgerRecord struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (r badgerRecord) toMessage() models.ChatMessage {
	return models.ChatMessage{
		ID:        r.ID,
		Username:  r.Username,
		Text:      r.Message,
		Timestamp: time.Unix(0, r.Timestamp).UTC(),
	}
}

func NewBadger(path string) (*BadgerDB, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &BadgerDB{db: db, seq: seq}, nil
}

func (b *BadgerDB) Close() error {
	if err := b.seq.Release(); err != nil {
		_ = b.db.Close()
		return err
	}
	return b.db.Close()
}

func (b *BadgerDB) Append(ctx context.Context, msg models.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	next, err := b.seq.Next()
	if err != nil {
		return err
	}
	id := int64(next) + 1

	value, err := json.Marshal(badgerRecord{
		ID:        id,
		Username:  msg.Username,
		Message:   msg.Text,
		Timestamp: msg.Timestamp.UnixNano(),
	})
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(id), value)
	})
}

// Recent walks the message prefix backwards, newest first.
func (b *BadgerDB) Recent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(messagePrefix)
		seekKey := append([]byte(messagePrefix), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec badgerRecord
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return err
			}
			messages = append(messages, rec.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Count walks the message keys without loading values.
func (b *BadgerDB) Count(ctx context.Context) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%019d", messagePrefix, id))
}
