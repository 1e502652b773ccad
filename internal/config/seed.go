package config

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSeedFile reads a YAML mapping of config key to value and returns the
// store-encoded form. Lists may be YAML sequences or comma-joined strings.
func LoadSeedFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	out := make(map[string]string, len(doc))
	for _, key := range sortedKeys(doc) {
		if !IsKnownKey(key) {
			return nil, fmt.Errorf("seed file %s: unknown key %q", path, key)
		}
		raw, err := EncodeValue(doc[key])
		if err != nil {
			return nil, fmt.Errorf("seed file %s: %s: %w", path, key, err)
		}
		if _, err := ParseValue(key, raw); err != nil {
			return nil, fmt.Errorf("seed file %s: %w", path, err)
		}
		out[key] = raw
	}
	return out, nil
}

// SeedStore writes each seed value whose key is not yet present in store.
// Values already in the store are never overwritten, so the seed only
// shapes first boot.
func SeedStore(ctx context.Context, store Store, seed map[string]string) (int, error) {
	written := 0
	for _, key := range sortedKeys(seed) {
		_, ok, err := store.Get(ctx, key)
		if err != nil {
			return written, fmt.Errorf("seed %s: %w", key, err)
		}
		if ok {
			continue
		}
		if err := store.Put(ctx, key, seed[key], 0); err != nil {
			return written, fmt.Errorf("seed %s: %w", key, err)
		}
		written++
	}
	if written > 0 {
		log.Printf("[config] seeded %d config keys", written)
	}
	return written, nil
}
