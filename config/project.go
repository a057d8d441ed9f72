package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/jobqueue"
)

// FileSystem abstracts where project files live. Implementations outside
// this repository serve object stores; storage options carry their
// credentials and tuning.
type FileSystem interface {
	ReadFile(path string, options map[string]any) ([]byte, error)
}

// OSFileSystem reads the local disk and ignores storage options.
type OSFileSystem struct{}

func (OSFileSystem) ReadFile(path string, _ map[string]any) ([]byte, error) {
	return os.ReadFile(path)
}

// Project is the optional per-project file at <base_dir>/conf/project.yml.
type Project struct {
	Name     string   `yaml:"name"`
	JobQueue JobQueue `yaml:"job_queue"`
}

type JobQueue struct {
	Backend           Backend          `yaml:"backend"`
	Queues            []string         `yaml:"queues"`
	CleanupInterval   Duration         `yaml:"cleanup_interval"`
	MaxConcurrentJobs int              `yaml:"max_concurrent_jobs"`
	DefaultExecutor   string           `yaml:"default_executor"`
	ScheduleDefaults  ScheduleDefaults `yaml:"schedule_defaults"`
}

// Backend pins the job-queue backend. Fields left empty fall back to the
// descriptor's environment variables and per-kind defaults.
type Backend struct {
	Type     string `yaml:"type"`
	URI      string `yaml:"uri"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	SSL      bool   `yaml:"ssl"`
}

// ScheduleDefaults is the project-wide trigger tuning applied when an
// AddSchedule call does not choose its own.
type ScheduleDefaults struct {
	Coalesce     string   `yaml:"coalesce"`
	MisfireGrace Duration `yaml:"misfire_grace_time"`
	MaxJitter    Duration `yaml:"max_jitter"`
}

// Duration accepts Go duration strings ("30s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadProject reads <baseDir>/conf/project.yml through fsys. A missing
// file is not an error; the zero Project stands in so the environment
// and flags decide everything.
func LoadProject(fsys FileSystem, baseDir string, options map[string]any) (*Project, error) {
	path := filepath.Join(baseDir, "conf", "project.yml")
	data, err := fsys.ReadFile(path, options)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Project{}, nil
	case err != nil:
		return nil, fmt.Errorf("read project config: %w", err)
	}

	p := &Project{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse project config: %w", err)
	}
	return p, nil
}

// Descriptor builds the backend descriptor the project file describes.
// An absent backend section means the in-process memory backend.
func (p *Project) Descriptor() (*backend.Descriptor, error) {
	b := p.JobQueue.Backend
	kindName := b.Type
	if kindName == "" {
		kindName = string(backend.Memory)
	}
	kind, err := backend.ParseKind(kindName)
	if err != nil {
		return nil, err
	}

	var opts []backend.Option
	if b.URI != "" {
		opts = append(opts, backend.WithURI(b.URI))
	}
	if b.Host != "" {
		opts = append(opts, backend.WithHost(b.Host))
	}
	if b.Port != 0 {
		opts = append(opts, backend.WithPort(b.Port))
	}
	if b.Username != "" || b.Password != "" {
		opts = append(opts, backend.WithCredentials(b.Username, b.Password))
	}
	if b.Database != "" {
		opts = append(opts, backend.WithDatabase(b.Database))
	}
	if b.Schema != "" {
		opts = append(opts, backend.WithSchema(b.Schema))
	}
	if b.SSL {
		opts = append(opts, backend.WithSSL(true))
	}
	if len(p.JobQueue.Queues) > 0 {
		opts = append(opts, backend.WithQueues(p.JobQueue.Queues...))
	}
	if p.JobQueue.CleanupInterval > 0 {
		opts = append(opts, backend.WithCleanupInterval(time.Duration(p.JobQueue.CleanupInterval)))
	}
	if p.JobQueue.MaxConcurrentJobs > 0 {
		opts = append(opts, backend.WithMaxConcurrentJobs(p.JobQueue.MaxConcurrentJobs))
	}
	if p.JobQueue.DefaultExecutor != "" {
		opts = append(opts, backend.WithDefaultExecutor(domain.Executor(p.JobQueue.DefaultExecutor)))
	}
	return backend.New(kind, opts...)
}

// ScheduleDefaults maps the schedule_defaults section onto the queue
// manager's form.
func (p *Project) ScheduleDefaults() (jobqueue.ScheduleDefaults, error) {
	s := p.JobQueue.ScheduleDefaults
	c := domain.Coalesce(s.Coalesce)
	if s.Coalesce != "" && !c.Valid() {
		return jobqueue.ScheduleDefaults{}, fmt.Errorf("%w: coalesce policy %q", domain.ErrInvalidArgument, s.Coalesce)
	}
	return jobqueue.ScheduleDefaults{
		Coalesce:     c,
		MisfireGrace: time.Duration(s.MisfireGrace),
		MaxJitter:    time.Duration(s.MaxJitter),
	}, nil
}
