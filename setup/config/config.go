package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Scrawl is the top-level configuration, normally loaded from a yaml file
// and then patched from the environment by the binary.
type Scrawl struct {
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Rooms   Rooms   `yaml:"rooms"`
	Sync    Sync    `yaml:"sync"`
}

// ConfigErrors collects problems found while verifying a configuration so
// they can all be reported at once.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Duration is a time.Duration that unmarshals from yaml either as a Go
// duration string ("90s", "5m") or as a bare integer number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := unmarshal(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Server struct {
	// The address to listen on, e.g. ":8443". The PORT environment
	// variable, if set, overrides the port part.
	BindAddress string `yaml:"bind_address"`
	// How long to allow in-flight requests to drain on shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// Sentry DSN for panic reporting; empty disables Sentry.
	SentryDSN string `yaml:"sentry_dsn"`
}

func (s *Server) Defaults() {
	if s.BindAddress == "" {
		s.BindAddress = ":8443"
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(10 * time.Second)
	}
}

func (s *Server) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "server.bind_address", s.BindAddress)
}

type Logging struct {
	// One of trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// If set, log as JSON rather than text.
	JSON bool `yaml:"json"`
}

func (l *Logging) Defaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

func (l *Logging) Verify(configErrs *ConfigErrors) {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", l.Level))
	}
}

type Rooms struct {
	// Hard cap on concurrent members of a single room.
	MaxUsersPerRoom int `yaml:"max_users_per_room"`
	// Cap on a room's operation log; oldest entries are trimmed first.
	MaxOperations int `yaml:"max_operations"`
	// How long an emptied room survives before deletion. A rejoin within
	// the grace period revives the room and cancels the pending delete.
	EmptyRoomGrace Duration `yaml:"empty_room_grace"`
	// The reaper deletes rooms that have been empty for at least this long.
	IdleRoomReap Duration `yaml:"idle_room_reap"`
	// The reaper deletes rooms with no activity for at least this long,
	// even if they still appear inhabited (stale-session sweep).
	StaleRoomReap Duration `yaml:"stale_room_reap"`
	// How often the reaper runs.
	ReaperInterval Duration `yaml:"reaper_interval"`
	// How long a reaped room's exported log is kept for revival.
	ArchiveTTL Duration `yaml:"archive_ttl"`
}

func (r *Rooms) Defaults() {
	if r.MaxUsersPerRoom == 0 {
		r.MaxUsersPerRoom = 20
	}
	if r.MaxOperations == 0 {
		r.MaxOperations = 1000
	}
	if r.EmptyRoomGrace == 0 {
		r.EmptyRoomGrace = Duration(time.Minute)
	}
	if r.IdleRoomReap == 0 {
		r.IdleRoomReap = Duration(5 * time.Minute)
	}
	if r.StaleRoomReap == 0 {
		r.StaleRoomReap = Duration(time.Hour)
	}
	if r.ReaperInterval == 0 {
		r.ReaperInterval = Duration(5 * time.Minute)
	}
	if r.ArchiveTTL == 0 {
		r.ArchiveTTL = Duration(30 * time.Minute)
	}
}

func (r *Rooms) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "rooms.max_users_per_room", int64(r.MaxUsersPerRoom))
	checkPositive(configErrs, "rooms.max_operations", int64(r.MaxOperations))
	if r.StaleRoomReap < r.IdleRoomReap {
		configErrs.Add("rooms.stale_room_reap must not be shorter than rooms.idle_room_reap")
	}
}

type Sync struct {
	// Per-connection outbound queue size. Above this, best-effort
	// messages (in-flight draw batches, cursors) are dropped oldest-first.
	SendQueueSize int `yaml:"send_queue_size"`
	// Above this, a connection whose queue is all-critical is closed as a
	// slow consumer rather than dropping authoritative state.
	SendQueueHardLimit int `yaml:"send_queue_hard_limit"`
	// How long to wait for a pong before treating the connection as dead.
	PongTimeout Duration `yaml:"pong_timeout"`
	// Largest inbound message we will accept, in bytes.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

func (s *Sync) Defaults() {
	if s.SendQueueSize == 0 {
		s.SendQueueSize = 256
	}
	if s.SendQueueHardLimit == 0 {
		s.SendQueueHardLimit = 512
	}
	if s.PongTimeout == 0 {
		s.PongTimeout = Duration(time.Minute)
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = 512 * 1024
	}
}

func (s *Sync) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync.send_queue_size", int64(s.SendQueueSize))
	if s.SendQueueHardLimit < s.SendQueueSize {
		configErrs.Add("sync.send_queue_hard_limit must not be smaller than sync.send_queue_size")
	}
}

// Defaults fills in every unset field with its default value.
func (c *Scrawl) Defaults() {
	c.Server.Defaults()
	c.Logging.Defaults()
	c.Rooms.Defaults()
	c.Sync.Defaults()
}

// Verify checks the whole configuration, returning an error naming every
// problem found.
func (c *Scrawl) Verify() error {
	var configErrs ConfigErrors
	c.Server.Verify(&configErrs)
	c.Logging.Verify(&configErrs)
	c.Rooms.Verify(&configErrs)
	c.Sync.Verify(&configErrs)
	if len(configErrs) > 0 {
		return fmt.Errorf("config: %d problems found, first: %s", len(configErrs), configErrs[0])
	}
	return nil
}

// Load reads a yaml config from path and applies defaults. A missing file
// is not an error; the defaults alone make a runnable configuration.
func Load(path string) (*Scrawl, error) {
	var cfg Scrawl
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.Defaults()
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
