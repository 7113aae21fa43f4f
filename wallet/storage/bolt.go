package storage

import (
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const slotsBucket = "slots"

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(slotsBucket))
		return err
	})
}

func (db *BoltDB) Get(slot string) ([]byte, error) {
	var value []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(slotsBucket)).Get([]byte(slot))
		if data != nil {
			// bolt values are only valid during the transaction
			value = make([]byte, len(data))
			copy(value, data)
		}
		return nil
	})
	return value, err
}

func (db *BoltDB) Put(slot string, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(slotsBucket)).Put([]byte(slot), value)
	})
}

func (db *BoltDB) Delete(slot string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(slotsBucket)).Delete([]byte(slot))
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}
