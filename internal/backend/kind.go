// Package backend identifies where jobs, schedules and events live: the
// backend kind, its connection coordinates and the URI derived from them.
package backend

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Memory     Kind = "memory"
	SQLite     Kind = "sqlite"
	PostgreSQL Kind = "postgresql"
	MySQL      Kind = "mysql"
	MongoDB    Kind = "mongodb"
	Redis      Kind = "redis"
	MQTT       Kind = "mqtt"
	NATSKV     Kind = "nats-kv"
)

var ErrInvalidBackendKind = errors.New("invalid backend kind")

// ParseKind accepts exactly the canonical kind names.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBackendKind, s)
	}
	return k, nil
}

// kindInfo is the per-kind identity table: connection defaults, URI
// schemes and classification.
type kindInfo struct {
	host      string
	port      int
	database  string
	scheme    string
	tlsScheme string
	envPrefix string
	sql       bool
	kv        bool
	bus       bool
	inMemory  bool
}

var kinds = map[Kind]kindInfo{
	Memory:     {scheme: "memory", tlsScheme: "memory", inMemory: true},
	SQLite:     {database: "flowerpower.db", scheme: "sqlite", tlsScheme: "sqlite", sql: true},
	PostgreSQL: {host: "localhost", port: 5432, database: "flowerpower", scheme: "postgresql", tlsScheme: "postgresql", envPrefix: "POSTGRES", sql: true},
	MySQL:      {host: "localhost", port: 3306, database: "flowerpower", scheme: "mysql", tlsScheme: "mysql", envPrefix: "MYSQL", sql: true},
	MongoDB:    {host: "localhost", port: 27017, database: "flowerpower", scheme: "mongodb", tlsScheme: "mongodb", envPrefix: "MONGODB"},
	Redis:      {host: "localhost", port: 6379, database: "0", scheme: "redis", tlsScheme: "rediss", envPrefix: "REDIS", kv: true, bus: true},
	MQTT:       {host: "localhost", port: 1883, scheme: "mqtt", tlsScheme: "mqtts", envPrefix: "MQTT", bus: true},
	NATSKV:     {host: "localhost", port: 4222, database: "flowerpower", scheme: "nats", tlsScheme: "tls", kv: true, bus: true},
}

func (k Kind) Valid() bool        { _, ok := kinds[k]; return ok }
func (k Kind) String() string     { return string(k) }
func (k Kind) IsSQL() bool        { return kinds[k].sql }
func (k Kind) IsKV() bool         { return kinds[k].kv }
func (k Kind) IsMessageBus() bool { return kinds[k].bus }
func (k Kind) IsInMemory() bool   { return kinds[k].inMemory }

func (k Kind) DefaultHost() string     { return kinds[k].host }
func (k Kind) DefaultPort() int        { return kinds[k].port }
func (k Kind) DefaultDatabase() string { return kinds[k].database }

// Scheme returns the URI scheme, switched to the TLS variant when ssl is
// set (rediss, mqtts); kinds that signal TLS via query parameters keep
// their plain scheme.
func (k Kind) Scheme(ssl bool) string {
	if ssl {
		return kinds[k].tlsScheme
	}
	return kinds[k].scheme
}
