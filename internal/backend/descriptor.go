package backend

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

const (
	DefaultQueue           = "default"
	DefaultCleanupInterval = time.Second
)

// Descriptor pins a backend down to one connectable target. It is immutable
// after New; consumers copy it, never mutate it.
type Descriptor struct {
	Kind     Kind
	URI      string
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Schema   string
	SSL      bool

	Queues            []string
	CleanupInterval   time.Duration
	MaxConcurrentJobs int
	DefaultExecutor   domain.Executor
}

type Option func(*Descriptor) error

func WithURI(uri string) Option {
	return func(d *Descriptor) error { d.URI = uri; return nil }
}

func WithHost(host string) Option {
	return func(d *Descriptor) error { d.Host = host; return nil }
}

func WithPort(port int) Option {
	return func(d *Descriptor) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", domain.ErrInvalidArgument, port)
		}
		d.Port = port
		return nil
	}
}

func WithCredentials(username, password string) Option {
	return func(d *Descriptor) error {
		d.Username, d.Password = username, password
		return nil
	}
}

func WithDatabase(database string) Option {
	return func(d *Descriptor) error { d.Database = database; return nil }
}

func WithSchema(schema string) Option {
	return func(d *Descriptor) error { d.Schema = schema; return nil }
}

func WithSSL(ssl bool) Option {
	return func(d *Descriptor) error { d.SSL = ssl; return nil }
}

func WithQueues(queues ...string) Option {
	return func(d *Descriptor) error {
		for _, q := range queues {
			if q == "" {
				return fmt.Errorf("%w: empty queue name", domain.ErrInvalidArgument)
			}
		}
		d.Queues = queues
		return nil
	}
}

func WithCleanupInterval(interval time.Duration) Option {
	return func(d *Descriptor) error {
		if interval <= 0 {
			return fmt.Errorf("%w: cleanup interval must be positive", domain.ErrInvalidArgument)
		}
		d.CleanupInterval = interval
		return nil
	}
}

func WithMaxConcurrentJobs(n int) Option {
	return func(d *Descriptor) error {
		if n < 0 {
			return fmt.Errorf("%w: max concurrent jobs is negative", domain.ErrInvalidArgument)
		}
		d.MaxConcurrentJobs = n
		return nil
	}
}

func WithDefaultExecutor(e domain.Executor) Option {
	return func(d *Descriptor) error {
		if !e.Valid() {
			return fmt.Errorf("%w: executor %q", domain.ErrInvalidArgument, e)
		}
		d.DefaultExecutor = e
		return nil
	}
}

// WithAcceptedKinds constrains which kinds the caller's role can use; New
// fails with ErrInvalidBackendKind for anything outside the set.
func WithAcceptedKinds(accepted ...Kind) Option {
	return func(d *Descriptor) error {
		if !slices.Contains(accepted, d.Kind) {
			return fmt.Errorf("%w: %q not in accepted set %v", ErrInvalidBackendKind, d.Kind, accepted)
		}
		return nil
	}
}

// New builds a descriptor for the given kind. Connection fields left unset
// fall back to <KIND>_HOST, <KIND>_PORT, <KIND>_USER, <KIND>_PASSWORD and
// <KIND>_DB environment variables, then to the per-kind defaults; the URI
// is derived last unless given explicitly.
func New(kind Kind, opts ...Option) (*Descriptor, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackendKind, kind)
	}
	d := &Descriptor{
		Kind:            kind,
		Queues:          []string{DefaultQueue},
		CleanupInterval: DefaultCleanupInterval,
		DefaultExecutor: domain.ExecutorThreadPool,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if err := d.fillFromEnv(); err != nil {
		return nil, err
	}
	if d.Host == "" {
		d.Host = kind.DefaultHost()
	}
	if d.Port == 0 {
		d.Port = kind.DefaultPort()
		if kind == MQTT && d.SSL {
			d.Port = 8883
		}
	}
	if d.Database == "" {
		d.Database = kind.DefaultDatabase()
	}
	if d.URI == "" {
		d.URI = BuildURI(kind, d.Host, d.Port, d.Username, d.Password, d.Database, d.SSL)
	}
	return d, nil
}

func (d *Descriptor) fillFromEnv() error {
	prefix := kinds[d.Kind].envPrefix
	if prefix == "" {
		return nil
	}
	lookup := func(suffixes ...string) string {
		for _, s := range suffixes {
			if v, ok := os.LookupEnv(prefix + "_" + s); ok && v != "" {
				return v
			}
		}
		return ""
	}
	if d.Host == "" {
		d.Host = lookup("HOST")
	}
	if d.Port == 0 {
		if v := lookup("PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s_PORT %q", domain.ErrInvalidArgument, prefix, v)
			}
			d.Port = port
		}
	}
	if d.Username == "" {
		d.Username = lookup("USER", "USERNAME")
	}
	if d.Password == "" {
		d.Password = lookup("PASSWORD")
	}
	if d.Database == "" {
		d.Database = lookup("DB", "DATABASE")
	}
	return nil
}

// BuildURI derives the connection URI for a backend kind. Credentials are
// percent-encoded; TLS shows up either as a scheme switch (redis, mqtt) or
// as per-kind query parameters (postgresql, mysql, mongodb).
func BuildURI(kind Kind, host string, port int, username, password, database string, ssl bool) string {
	switch kind {
	case Memory:
		return "memory://"
	case SQLite:
		if database == "" {
			database = kind.DefaultDatabase()
		}
		return "sqlite://" + database
	}
	if host == "" {
		host = kind.DefaultHost()
	}
	if port == 0 {
		port = kind.DefaultPort()
		if kind == MQTT && ssl {
			port = 8883
		}
	}
	if database == "" {
		database = kind.DefaultDatabase()
	}

	var b strings.Builder
	b.WriteString(kind.Scheme(ssl))
	b.WriteString("://")
	if username != "" {
		b.WriteString(url.QueryEscape(username))
		if password != "" {
			b.WriteByte(':')
			b.WriteString(url.QueryEscape(password))
		}
		b.WriteByte('@')
	}
	fmt.Fprintf(&b, "%s:%d", host, port)
	if database != "" && kind != MQTT {
		b.WriteByte('/')
		b.WriteString(database)
	}
	if ssl {
		switch kind {
		case PostgreSQL:
			b.WriteString("?ssl=allow")
		case MySQL:
			b.WriteString("?ssl=true")
		case MongoDB:
			b.WriteString("?ssl=true&tlsAllowInvalidCertificates=true")
		}
	}
	return b.String()
}

// Equal compares backend identity, ignoring tuning knobs (cleanup
// interval, concurrency, default executor).
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Kind == other.Kind &&
		d.URI == other.URI &&
		d.Host == other.Host &&
		d.Port == other.Port &&
		d.Username == other.Username &&
		d.Password == other.Password &&
		d.Database == other.Database &&
		d.Schema == other.Schema &&
		d.SSL == other.SSL &&
		slices.Equal(d.Queues, other.Queues)
}
