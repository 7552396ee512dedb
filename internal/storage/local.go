package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements BlobStorage for the local filesystem
type LocalStorage struct {
	basePath string
	mutex    sync.RWMutex // For concurrent access safety
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Store saves content to the local filesystem with atomic writes and integrity checks
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)

	// Ensure the directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create directory")
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Create temporary file for atomic write
	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	// Ensure cleanup of temp file on failure
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	// Create hash writer for integrity verification
	hasher := sha256.New()
	multiWriter := io.MultiWriter(tempFile, hasher)

	// Copy content to temp file while calculating checksum
	bytesWritten, err := io.Copy(multiWriter, content)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write content to temporary file")
		return fmt.Errorf("failed to write content: %w", err)
	}

	// Ensure data is flushed to disk
	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	tempFile.Close()

	// Atomic move from temp to final location
	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	duration := time.Since(startTime)

	log.Info().
		Str("path", path).
		Str("content_type", contentType).
		Int64("bytes_written", bytesWritten).
		Str("checksum", checksum).
		Dur("duration", duration).
		Msg("file stored successfully")

	return nil
}

// Retrieve gets content from the local filesystem with concurrent access safety
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file not found")
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open file")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes content from the local filesystem with concurrent access safety
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file already deleted or does not exist")
			return nil // Already deleted
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	log.Info().Str("path", path).Msg("file deleted successfully")
	return nil
}

// Exists checks if content exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check file existence")
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// Info returns the size and MD5 digest of the object at the given path
func (ls *LocalStorage) Info(ctx context.Context, path string) (*ObjectInfo, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	stat, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	return &ObjectInfo{
		Size: stat.Size(),
		MD5:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Copy duplicates src to dst. An existing byte-identical dst is a no-op;
// an existing differing dst fails with ErrImmutableConflict.
func (ls *LocalStorage) Copy(ctx context.Context, src, dst string) error {
	srcInfo, err := ls.Info(ctx, src)
	if err != nil {
		return err
	}

	if exists, err := ls.Exists(ctx, dst); err != nil {
		return err
	} else if exists {
		dstInfo, err := ls.Info(ctx, dst)
		if err != nil {
			return err
		}
		if dstInfo.Size == srcInfo.Size && dstInfo.MD5 == srcInfo.MD5 {
			log.Debug().Str("src", src).Str("dst", dst).Msg("copy skipped, destination identical")
			return nil
		}
		return fmt.Errorf("%w: %s", ErrImmutableConflict, dst)
	}

	reader, err := ls.Retrieve(ctx, src)
	if err != nil {
		return err
	}
	defer reader.Close()

	return ls.Store(ctx, dst, reader, "application/octet-stream")
}

// List returns paths matching the prefix in the local filesystem
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	searchPath := filepath.Join(ls.basePath, prefix)
	var paths []string

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if !info.IsDir() {
			relPath, err := filepath.Rel(ls.basePath, path)
			if err != nil {
				return err
			}
			paths = append(paths, filepath.ToSlash(relPath))
		}

		return nil
	})

	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return paths, nil
}

// SweepExpired deletes objects under prefix whose modification time is
// older than ttl. Used for the incoming bucket lifecycle.
func (ls *LocalStorage) SweepExpired(ctx context.Context, prefix string, ttl time.Duration) (int, error) {
	paths, err := ls.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0

	for _, p := range paths {
		fullPath := filepath.Join(ls.basePath, p)
		stat, err := os.Stat(fullPath)
		if err != nil {
			continue
		}
		if stat.ModTime().Before(cutoff) {
			if err := ls.Delete(ctx, p); err != nil {
				log.Warn().Err(err).Str("path", p).Msg("failed to sweep expired object")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		log.Info().Str("prefix", prefix).Int("removed", removed).Msg("swept expired objects")
	}

	return removed, nil
}
