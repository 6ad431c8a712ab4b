package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"subpay/storage"
)

// ErrCounterOverflow is returned when a monotonic id counter would wrap.
// Identifiers are never reused, so the only safe reaction is to fail.
var ErrCounterOverflow = errors.New("state: id counter overflow")

// Manager provides RLP-encoded, keccak-keyed access to the ledger's key-value
// store, with an optional write overlay so a whole operation can be applied
// atomically. The manager itself is not safe for concurrent use; the node
// serialises operations.
type Manager struct {
	db      storage.Database
	inTx    bool
	pending map[string][]byte
	deleted map[string]struct{}
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a write overlay. Subsequent puts and deletes stay buffered until
// Commit flushes them to the database; Discard drops them.
func (m *Manager) Begin() {
	m.inTx = true
	m.pending = make(map[string][]byte)
	m.deleted = make(map[string]struct{})
}

// Commit flushes the overlay to the underlying database and closes the
// transaction. A partially failed flush leaves the overlay open so the caller
// can discard it.
func (m *Manager) Commit() error {
	if !m.inTx {
		return fmt.Errorf("state: no open transaction")
	}
	for key := range m.deleted {
		if err := m.db.Delete([]byte(key)); err != nil {
			return err
		}
	}
	for key, value := range m.pending {
		if err := m.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	m.inTx = false
	m.pending = nil
	m.deleted = nil
	return nil
}

// Discard drops the overlay without touching the database.
func (m *Manager) Discard() {
	m.inTx = false
	m.pending = nil
	m.deleted = nil
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 so arbitrary-length keys map onto the
// store uniformly.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	hashed := kvKey(key)
	if m.inTx {
		delete(m.deleted, string(hashed))
		m.pending[string(hashed)] = encoded
		return nil
	}
	return m.db.Put(hashed, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state. Reads observe the open overlay first, so an operation sees
// its own writes.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	var data []byte
	if m.inTx {
		if _, gone := m.deleted[string(hashed)]; gone {
			return false, nil
		}
		if buffered, ok := m.pending[string(hashed)]; ok {
			data = buffered
		}
	}
	if data == nil {
		stored, err := m.db.Get(hashed)
		if err != nil {
			return false, err
		}
		data = stored
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	if m.inTx {
		delete(m.pending, string(hashed))
		m.deleted[string(hashed)] = struct{}{}
		return nil
	}
	return m.db.Delete(hashed)
}

// nextCounter increments the monotonic counter stored under key and returns
// the new value. Counters start at 1 and never wrap.
func (m *Manager) nextCounter(key []byte) (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(key, &counter); err != nil {
		return 0, err
	}
	if counter == ^uint64(0) {
		return 0, ErrCounterOverflow
	}
	counter++
	if err := m.KVPut(key, counter); err != nil {
		return 0, err
	}
	return counter, nil
}
