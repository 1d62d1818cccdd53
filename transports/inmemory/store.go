package inmemory

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/tidwall/buntdb"
)

const keyPrefixMessage = "message:"

// messageRecord is the stored form of a ready message. Header values go
// through JSON, so numbers come back as float64.
type messageRecord struct {
	Seq         uint64               `json:"seq"`
	Exchange    string               `json:"exchange"`
	RoutingKey  string               `json:"routingKey"`
	Redelivered bool                 `json:"redelivered"`
	Properties  contracts.Properties `json:"properties"`
	Body        []byte               `json:"body"`
}

// messageStore keeps the ready messages of every queue in buntdb, keyed so
// that an ascending key scan yields a queue's messages in publish order
type messageStore struct {
	db *buntdb.DB
}

func openStore(path string) (*messageStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening buntdb: %w", err)
	}

	err = db.CreateIndex("idx_"+keyPrefixMessage, keyPrefixMessage+"*", buntdb.IndexString)
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, fmt.Errorf("creating message index: %w", err)
	}
	return &messageStore{db: db}, nil
}

func queuePrefix(queueID uint64) string {
	return fmt.Sprintf("%s%d:", keyPrefixMessage, queueID)
}

func messageKey(queueID, seq uint64) string {
	return fmt.Sprintf("%s%020d", queuePrefix(queueID), seq)
}

// put stores a message. Requeued messages keep their sequence number and so
// return to their original position.
func (s *messageStore) put(queueID uint64, rec messageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(messageKey(queueID, rec.Seq), string(data), nil)
		return err
	})
}

// pop removes and returns the oldest message of a queue
func (s *messageStore) pop(queueID uint64) (messageRecord, bool, error) {
	var (
		rec   messageRecord
		found bool
	)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var key, value string
		err := tx.AscendKeys(queuePrefix(queueID)+"*", func(k, v string) bool {
			key, value = k, v
			found = true
			return false
		})
		if err != nil || !found {
			return err
		}
		if _, err := tx.Delete(key); err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &rec)
	})
	if err != nil {
		return messageRecord{}, false, fmt.Errorf("reading message: %w", err)
	}
	return rec, found, nil
}

// count returns the number of ready messages in a queue
func (s *messageStore) count(queueID uint64) (int, error) {
	n := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(queuePrefix(queueID)+"*", func(_, _ string) bool {
			n++
			return true
		})
	})
	return n, err
}

// purge deletes every ready message of a queue
func (s *messageStore) purge(queueID uint64) (int, error) {
	var keys []string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		err := tx.AscendKeys(queuePrefix(queueID)+"*", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *messageStore) close() error {
	return s.db.Close()
}
