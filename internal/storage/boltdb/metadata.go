package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/warebase/waresync/internal/storage"
)

var (
	keyLastServerVersion = []byte("last_server_version")
	keyClockTimestamp    = []byte("clock_timestamp")
	keyDeviceID          = []byte("device_id")
	keyFingerprint       = []byte("device_fingerprint")
)

// SaveLastServerVersion saves the pull cursor after a successful cycle
func (s *Storage) SaveLastServerVersion(ctx context.Context, version int64) error {
	return s.putInt64(keyLastServerVersion, version)
}

// GetLastServerVersion returns the pull cursor, 0 if never synced
func (s *Storage) GetLastServerVersion(ctx context.Context) (int64, error) {
	return s.getInt64(keyLastServerVersion)
}

// SaveClockTimestamp persists the Lamport clock for restart recovery
func (s *Storage) SaveClockTimestamp(ctx context.Context, timestamp int64) error {
	return s.putInt64(keyClockTimestamp, timestamp)
}

// GetClockTimestamp returns the persisted Lamport clock, 0 if unset
func (s *Storage) GetClockTimestamp(ctx context.Context) (int64, error) {
	return s.getInt64(keyClockTimestamp)
}

func (s *Storage) putInt64(key []byte, value int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket missing")
		}
		return bucket.Put(key, buf)
	})
	if err != nil {
		return fmt.Errorf("failed to save metadata value: %w", err)
	}
	return nil
}

func (s *Storage) getInt64(key []byte) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var value int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(key)
		if len(data) == 8 {
			value = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get metadata value: %w", err)
	}
	return value, nil
}

// SaveDeviceIdentity persists the installation's device id and fingerprint
func (s *Storage) SaveDeviceIdentity(ctx context.Context, deviceID, fingerprint string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket missing")
		}
		if err := bucket.Put(keyDeviceID, []byte(deviceID)); err != nil {
			return err
		}
		return bucket.Put(keyFingerprint, []byte(fingerprint))
	})
	if err != nil {
		return fmt.Errorf("failed to save device identity: %w", err)
	}
	return nil
}

// GetDeviceIdentity returns the stored identity, empty strings if unset
func (s *Storage) GetDeviceIdentity(ctx context.Context) (string, string, error) {
	if s.db == nil {
		return "", "", storage.ErrStorageClosed
	}

	var deviceID, fingerprint string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return nil
		}
		deviceID = string(bucket.Get(keyDeviceID))
		fingerprint = string(bucket.Get(keyFingerprint))
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to get device identity: %w", err)
	}
	return deviceID, fingerprint, nil
}
