package keystate

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"merchantd/exchange"
)

var keysBucket = []byte("exchange_keys")

// Cache persists fetched /keys responses so a restart can serve requests
// before the first live refresh completes.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the bbolt-backed keys cache.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open keys cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init keys cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put stores the raw keys response for an exchange.
func (c *Cache) Put(exchangeURL string, keys *exchange.KeysResponse) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(exchangeURL), data)
	})
}

// Get loads the cached keys response, or an error when absent.
func (c *Cache) Get(exchangeURL string) (*exchange.KeysResponse, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keysBucket).Get([]byte(exchangeURL))
		if v == nil {
			return fmt.Errorf("no cached keys for %s", exchangeURL)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var keys exchange.KeysResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode cached keys: %w", err)
	}
	return &keys, nil
}
