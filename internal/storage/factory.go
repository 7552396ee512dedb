package storage

import (
	"fmt"

	"github.com/pubvault/pubvault/pkg/config"
)

// StorageFactory creates storage instances based on configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates a storage instance based on the configured type
func (sf *StorageFactory) CreateStorage() (BlobStorage, error) {
	switch sf.config.Type {
	case "local":
		return NewLocalStorage(sf.config.LocalPath)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}

// CreateBuckets creates the three logical buckets over the configured store
func (sf *StorageFactory) CreateBuckets() (*BucketSet, error) {
	store, err := sf.CreateStorage()
	if err != nil {
		return nil, err
	}
	return NewBucketSet(store, sf.config), nil
}
