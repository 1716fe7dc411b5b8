// SPDX-License-Identifier: MIT

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/params"
)

// DeadLetter is the terminal record for a command that could not be
// progressed.
type DeadLetter struct {
	CommandID  string     `json:"commandId"`
	Reason     string     `json:"reason"`
	PersonaID  string     `json:"personaId,omitempty"`
	DroneID    string     `json:"droneId,omitempty"`
	RetryCount int        `json:"retryCount"`
	FailedAt   time.Time  `json:"failedAtUtc"`
	Metadata   params.Map `json:"metadata,omitempty"`
}

// DeadLetterSink receives terminal command records.
type DeadLetterSink interface {
	Publish(ctx context.Context, dl DeadLetter) error
}

// deadLetterTTL bounds how long spooled entries survive before Badger
// garbage-collects them.
const deadLetterTTL = 30 * 24 * time.Hour

// BadgerDeadLetterSink spools dead letters in a local Badger store so they
// survive restarts and can be inspected or replayed by tooling.
type BadgerDeadLetterSink struct {
	db *badger.DB
}

// NewBadgerDeadLetterSink opens (or creates) the spool at dir. An empty dir
// opens an in-memory spool, used by tests.
func NewBadgerDeadLetterSink(dir string) (*BadgerDeadLetterSink, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter spool: %w", err)
	}
	return &BadgerDeadLetterSink{db: db}, nil
}

func deadLetterKey(dl DeadLetter) []byte {
	return []byte(fmt.Sprintf("dl:%d:%s", dl.FailedAt.UnixNano(), dl.CommandID))
}

func (s *BadgerDeadLetterSink) Publish(_ context.Context, dl DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %q: %w", dl.CommandID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(deadLetterKey(dl), data).WithTTL(deadLetterTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("spool dead letter %q: %w", dl.CommandID, err)
	}
	logger := log.WithComponent("sink")
	logger.Warn().
		Str(log.FieldCommandID, dl.CommandID).
		Str(log.FieldReason, dl.Reason).
		Str(log.FieldPersonaID, dl.PersonaID).
		Int(log.FieldAttempt, dl.RetryCount).
		Str(log.FieldEvent, "sink.dead_letter").
		Msg("command dead-lettered")
	return nil
}

// Scan returns all spooled dead letters in failure order.
func (s *BadgerDeadLetterSink) Scan(_ context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("dl:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var dl DeadLetter
				if err := json.Unmarshal(val, &dl); err != nil {
					return err
				}
				out = append(out, dl)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan dead-letter spool: %w", err)
	}
	return out, nil
}

// Close releases the spool.
func (s *BadgerDeadLetterSink) Close() error {
	return s.db.Close()
}

var _ DeadLetterSink = (*BadgerDeadLetterSink)(nil)
