package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// KeyFile is a PEM-encoded RSA private key on disk. Watch reloads it when
// the file is replaced, so a rotated key takes effect without a restart.
type KeyFile struct {
	path   string
	logger *zap.Logger

	mu  sync.RWMutex
	key *rsa.PrivateKey
}

func NewKeyFile(path string, logger *zap.Logger) *KeyFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyFile{path: path, logger: logger}
}

// Load reads and parses the key file.
func (k *KeyFile) Load() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("read private key %s: %w", k.path, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return fmt.Errorf("parse private key %s: %w", k.path, err)
	}
	k.mu.Lock()
	k.key = key
	k.mu.Unlock()
	return nil
}

func (k *KeyFile) PrivateKey() (*rsa.PrivateKey, error) {
	k.mu.RLock()
	key := k.key
	k.mu.RUnlock()
	if key != nil {
		return key, nil
	}
	if err := k.Load(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key, nil
}

// Watch reloads the key on change until ctx is cancelled. The parent
// directory is watched because editors and secret managers usually replace
// the file by rename. A bad replacement keeps the previous key.
func (k *KeyFile) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(k.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(k.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := k.Load(); err != nil {
					k.logger.Warn("private_key_reload_failed", zap.String("path", k.path), zap.Error(err))
					continue
				}
				k.logger.Info("private_key_reloaded", zap.String("path", k.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				k.logger.Error("fsnotify_error", zap.Error(err))
			}
		}
	}()
	return nil
}
