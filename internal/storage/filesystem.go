package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FilesystemStore persists envelopes as JSON files under a namespace
// directory. It backs platforms whose secure element is managed by the OS
// around the file (device-level disk encryption).
type FilesystemStore struct {
	basePath       string
	prefix         string
	hardwareBacked bool
}

func NewFilesystemStore(basePath, prefix string, hardwareBacked bool) (*FilesystemStore, error) {
	dir := filepath.Join(basePath, prefix)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage path %s: %w", dir, err)
	}

	return &FilesystemStore{
		basePath:       basePath,
		prefix:         prefix,
		hardwareBacked: hardwareBacked,
	}, nil
}

func (f *FilesystemStore) path(key string) string {
	// Keys may contain arbitrary identifier bytes; encode them so they are
	// always filesystem-safe.
	name := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(key))
	return filepath.Join(f.basePath, f.prefix, name+".json")
}

func (f *FilesystemStore) Store(ctx context.Context, key string, value []byte, meta *Metadata) error {
	data, err := json.Marshal(envelope{Value: value, Meta: meta})
	if err != nil {
		return corruptionError("store", key, err)
	}

	if err := os.WriteFile(f.path(key), data, 0600); err != nil {
		return transientError("store", key, err)
	}
	return nil
}

func (f *FilesystemStore) Retrieve(ctx context.Context, key string) ([]byte, *Metadata, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, transientError("retrieve", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, corruptionError("retrieve", key, err)
	}

	if env.Meta.Expired(time.Now()) {
		if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
			return nil, nil, transientError("retrieve", key, err)
		}
		return nil, nil, nil
	}

	return env.Value, env.Meta, nil
}

func (f *FilesystemStore) Remove(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return transientError("remove", key, err)
	}
	return nil
}

func (f *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	value, _, err := f.Retrieve(ctx, key)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

func (f *FilesystemStore) Clear(ctx context.Context) error {
	dir := filepath.Join(f.basePath, f.prefix)
	if err := os.RemoveAll(dir); err != nil {
		return transientError("clear", f.prefix, err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return transientError("clear", f.prefix, err)
	}
	return nil
}

func (f *FilesystemStore) Capabilities() Capabilities {
	return Capabilities{
		HardwareBacked:  f.hardwareBacked,
		Encrypted:       f.hardwareBacked,
		SurvivesRestart: true,
	}
}
