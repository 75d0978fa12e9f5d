// Package session persists the two SessionRecord slots (old, new) and
// per-DID MigrationProgress across page reloads, encrypting tokens at
// rest. It never interprets token contents; serialization is opaque JSON.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

var (
	bucketSessions = []byte("sessions")
	bucketProgress = []byte("progress")
	bucketPlcOps   = []byte("plc_ops")
)

// Store persists SessionRecords and MigrationProgress in an embedded bbolt
// database. Session records are encrypted with AES-256-GCM before they
// touch disk; progress and pending PLC operations are stored unencrypted.
type Store struct {
	db            *bolt.DB
	encryptionKey []byte // 32 bytes, AES-256
}

// Open creates or opens a Store at dataDir/session.db. key must be exactly
// 32 bytes; use DeriveKey to build one from a passphrase.
func Open(dataDir string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("session encryption key must be 32 bytes, got %d", len(key))
	}

	dbPath := filepath.Join(dataDir, "session.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketProgress, bucketPlcOps} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, encryptionKey: key}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a SessionRecord into the named slot, overwriting any existing
// record there.
func (s *Store) Put(slot pdstypes.SessionSlot, record pdstypes.SessionRecord) error {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(slot), ciphertext)
	})
}

// Get reads the SessionRecord in the named slot. Returns ok=false, not an
// error, if the slot is empty.
func (s *Store) Get(slot pdstypes.SessionSlot) (record pdstypes.SessionRecord, ok bool, err error) {
	var ciphertext []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessions).Get([]byte(slot))
		if v != nil {
			ciphertext = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return pdstypes.SessionRecord{}, false, err
	}
	if ciphertext == nil {
		return pdstypes.SessionRecord{}, false, nil
	}

	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return pdstypes.SessionRecord{}, false, fmt.Errorf("failed to decrypt session record: %w", err)
	}
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return pdstypes.SessionRecord{}, false, fmt.Errorf("failed to decode session record: %w", err)
	}
	return record, true, nil
}

// Delete removes the named slot, if present.
func (s *Store) Delete(slot pdstypes.SessionSlot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(slot))
	})
}

// PutProgress writes the MigrationProgress for did. Progress is not
// encrypted: it carries no credentials.
func (s *Store) PutProgress(did pdstypes.DID, progress pdstypes.MigrationProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode migration progress: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).Put([]byte(did), data)
	})
}

// GetProgress reads the MigrationProgress for did. Returns ok=false if no
// progress has been recorded yet.
func (s *Store) GetProgress(did pdstypes.DID) (progress pdstypes.MigrationProgress, ok bool, err error) {
	var data []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProgress).Get([]byte(did))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return pdstypes.MigrationProgress{}, false, err
	}
	if data == nil {
		return pdstypes.MigrationProgress{}, false, nil
	}
	if err := json.Unmarshal(data, &progress); err != nil {
		return pdstypes.MigrationProgress{}, false, fmt.Errorf("failed to decode migration progress: %w", err)
	}
	return progress, true, nil
}

// PutPendingPlcOp persists the unsigned PLC operation awaiting the emailed
// verification token, so the human-gated pause between steps 17 and 19
// survives a process restart. Not encrypted: it carries no credentials.
func (s *Store) PutPendingPlcOp(did pdstypes.DID, op pdstypes.PlcOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode pending plc operation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlcOps).Put([]byte(did), data)
	})
}

// GetPendingPlcOp reads the unsigned PLC operation stored for did. Returns
// ok=false if none is pending.
func (s *Store) GetPendingPlcOp(did pdstypes.DID) (op pdstypes.PlcOperation, ok bool, err error) {
	var data []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPlcOps).Get([]byte(did))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, false, fmt.Errorf("failed to decode pending plc operation: %w", err)
	}
	return op, true, nil
}

// DeletePendingPlcOp clears the stored unsigned PLC operation once step 19
// has consumed it.
func (s *Store) DeletePendingPlcOp(did pdstypes.DID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlcOps).Delete([]byte(did))
	})
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase, the way a
// locally-run migration tool derives an at-rest key from a user-supplied
// passphrase rather than managing raw key material.
func DeriveKey(passphrase string) []byte {
	return deriveKeySHA256(passphrase)
}
