//go:build integration

// Package containers starts the backing services for integration tests.
// Each container is started once per test binary and shared across suites;
// Ryuk removes them when the binary exits.
package containers

import (
	"context"
	"sync"
)

type lazy[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (l *lazy[T]) get(start func() (T, error)) (T, error) {
	l.once.Do(func() {
		l.val, l.err = start()
	})
	return l.val, l.err
}

type containerManager struct {
	pg lazy[*PostgresContainer]
	rd lazy[*RedisContainer]
	rp lazy[*RedpandaContainer]
}

var manager = &containerManager{}

func (m *containerManager) postgres(ctx context.Context) (*PostgresContainer, error) {
	return m.pg.get(func() (*PostgresContainer, error) { return startPostgres(ctx) })
}

func (m *containerManager) redis(ctx context.Context) (*RedisContainer, error) {
	return m.rd.get(func() (*RedisContainer, error) { return startRedis(ctx) })
}

func (m *containerManager) redpanda(ctx context.Context) (*RedpandaContainer, error) {
	return m.rp.get(func() (*RedpandaContainer, error) { return startRedpanda(ctx) })
}
