// Package memstore is an embedded key/value substrate backed by a bounded,
// expiring in-memory LRU. It serves deployments without a Redis alongside.
package memstore

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Store struct {
	lru *expirable.LRU[string, []byte]
}

// New creates a store holding at most size entries for at most ttl. The TTL
// passed to Set is ignored: the cache engine above owns logical expiry and
// this bound only caps residency of forgotten keys.
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = 1024
	}
	return &Store{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *Store) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	cp := make([]byte, len(val))
	copy(cp, val)
	s.lru.Add(key, cp)
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.lru.Remove(k)
	}
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, k := range s.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
