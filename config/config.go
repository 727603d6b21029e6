// Package config loads the group bots' ini configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/opd-ai/dimgroup/protocol"
)

// DefaultPath is where the bots look for their configuration unless
// --config says otherwise.
const DefaultPath = "/etc/dim/group.ini"

// Config carries everything the group bots read from their ini file.
type Config struct {
	Station  Station
	Database Database
	Group    Group
	Monitor  Monitor

	// ANS maps short aliases to identities, mirroring the [ans] section.
	ANS map[string]protocol.ID
}

// Station locates the relay station the bots log into.
type Station struct {
	Host string
	Port int
}

// Database holds the storage locations: a base directory for file-backed
// records and the Redis server for inboxes and key tables.
type Database struct {
	Root          string
	Redis         string
	RedisDB       int
	RedisPassword string
}

// Group configures the bots' group roles: who may re-point the usher, and
// which identities the two bots run under. Assistant and Usher take a full
// ID or an [ans] alias; empty falls back to the "assistant" / "usher"
// aliases.
type Group struct {
	Supervisors []protocol.ID
	Assistant   string
	Usher       string
}

// Monitor configures the liveness side: how often the monitor reports, and
// where to serve Prometheus metrics (empty disables the endpoint).
type Monitor struct {
	Interval time.Duration
	Metrics  string
}

// Load reads and parses the ini file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	cfg := &Config{ANS: make(map[string]protocol.ID)}

	station := file.Section("station")
	cfg.Station.Host = station.Key("host").String()
	cfg.Station.Port = station.Key("port").MustInt(0)

	database := file.Section("database")
	cfg.Database.Root = database.Key("root").String()
	cfg.Database.Redis = database.Key("redis").MustString("localhost:6379")
	cfg.Database.RedisDB = database.Key("redis_db").MustInt(0)
	cfg.Database.RedisPassword = database.Key("redis_password").String()

	group := file.Section("group")
	cfg.Group.Supervisors, err = parseIDList(group.Key("supervisors").String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse supervisors: %w", err)
	}
	cfg.Group.Assistant = group.Key("assistant").String()
	cfg.Group.Usher = group.Key("usher").String()

	for _, key := range file.Section("ans").Keys() {
		id, err := protocol.ParseID(key.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse ans record %q: %w", key.Name(), err)
		}
		cfg.ANS[key.Name()] = id
	}

	monitor := file.Section("monitor")
	cfg.Monitor.Interval = time.Duration(monitor.Key("interval").MustInt(300)) * time.Second
	cfg.Monitor.Metrics = monitor.Key("metrics").String()

	return cfg, nil
}

// Validate checks the fields every bot needs before it can start.
func (c *Config) Validate() error {
	if c.Station.Host == "" {
		return fmt.Errorf("station host not configured")
	}
	if c.Station.Port <= 0 || c.Station.Port > 65535 {
		return fmt.Errorf("station port %d out of range", c.Station.Port)
	}
	return nil
}

// StationAddr returns the station's host:port dial address.
func (c *Config) StationAddr() string {
	return fmt.Sprintf("%s:%d", c.Station.Host, c.Station.Port)
}

// AssistantID resolves the assistant bot's identity.
func (c *Config) AssistantID() (protocol.ID, error) {
	return c.resolveBot(c.Group.Assistant, "assistant")
}

// UsherID resolves the usher bot's identity.
func (c *Config) UsherID() (protocol.ID, error) {
	return c.resolveBot(c.Group.Usher, "usher")
}

func (c *Config) resolveBot(name, alias string) (protocol.ID, error) {
	if name == "" {
		name = alias
	}
	if id, ok := c.ANS[name]; ok {
		return id, nil
	}
	id, err := protocol.ParseID(name)
	if err != nil {
		return protocol.ID{}, fmt.Errorf("failed to resolve bot %q: %w", name, err)
	}
	return id, nil
}

// parseIDList splits a comma or space separated list of ID strings.
func parseIDList(s string) ([]protocol.ID, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]protocol.ID, 0, len(fields))
	for _, field := range fields {
		id, err := protocol.ParseID(field)
		if err != nil {
			return nil, fmt.Errorf("bad ID %q: %w", field, err)
		}
		out = append(out, id)
	}
	return out, nil
}
