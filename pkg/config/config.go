// Package config loads the gateway configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/devprism0dev/iec104-gateway/pkg/feed"
	"github.com/devprism0dev/iec104-gateway/pkg/iec104"
)

// Config is the gateway configuration file.
type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Log     LogConfig         `yaml:"log"`
	Points  []PointConfig     `yaml:"points"`
	Fields  map[string]uint32 `yaml:"fields"`
	Feed    FeedConfig        `yaml:"feed"`
}

// ServerConfig holds configuration for the IEC 104 listener
type ServerConfig struct {
	Addr                string        `yaml:"addr"`
	CyclicInterval      time.Duration `yaml:"cyclic_interval"`
	CommandTermDelay    time.Duration `yaml:"command_term_delay"`
	InterrogationPacing time.Duration `yaml:"interrogation_pacing"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ShowBanner          bool          `yaml:"show_banner"`
}

// MetricsConfig holds configuration for the metrics endpoint
type MetricsConfig struct {
	Addr        string        `yaml:"addr"`
	LogInterval time.Duration `yaml:"log_interval"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PointConfig declares one monitored point. Type is "float" or "bool";
// Value is the initial value.
type PointConfig struct {
	Address       uint32 `yaml:"address"`
	Type          string `yaml:"type"`
	Value         any    `yaml:"value"`
	CommonAddress uint16 `yaml:"common_address"`
	Name          string `yaml:"name"`
}

// FeedConfig holds the upstream telemetry sources.
type FeedConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig is the upstream telemetry subscription. An empty Broker
// disables the feed.
type MQTTConfig struct {
	Broker    string        `yaml:"broker"`
	Topic     string        `yaml:"topic"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	QoS       byte          `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

const (
	PointTypeFloat = "float"
	PointTypeBool  = "bool"
)

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s", path)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Annotate(err, "yaml")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in deployment configuration.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = fmt.Sprintf("0.0.0.0:%d", iec104.DefaultPort)
	}
	if c.Server.CyclicInterval == 0 {
		c.Server.CyclicInterval = iec104.DefaultCyclicInterval
	}
	if c.Server.CommandTermDelay == 0 {
		c.Server.CommandTermDelay = iec104.DefaultCommandTermDelay
	}
	if c.Server.InterrogationPacing == 0 {
		c.Server.InterrogationPacing = iec104.DefaultInterrogationPacing
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Metrics.LogInterval == 0 {
		c.Metrics.LogInterval = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatText
	}
	defaultPoints := len(c.Points) == 0
	if defaultPoints {
		for _, p := range iec104.DefaultPoints() {
			c.Points = append(c.Points, pointConfigOf(p))
		}
	}
	for i := range c.Points {
		if c.Points[i].Type == "" {
			c.Points[i].Type = PointTypeFloat
		}
		if c.Points[i].CommonAddress == 0 {
			c.Points[i].CommonAddress = iec104.DefaultCommonAddress
		}
	}
	if len(c.Fields) == 0 && defaultPoints {
		c.Fields = iec104.DefaultFieldMap()
	}
	if c.Feed.MQTT.Topic == "" {
		c.Feed.MQTT.Topic = feed.DefaultTopic
	}
	if c.Feed.MQTT.ClientID == "" {
		c.Feed.MQTT.ClientID = "iec104-gateway"
	}
	if c.Feed.MQTT.KeepAlive == 0 {
		c.Feed.MQTT.KeepAlive = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Server.CyclicInterval < 0 || c.Server.CommandTermDelay < 0 || c.Server.InterrogationPacing < 0 {
		return errors.NotValidf("server: negative interval")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != FormatText && c.Log.Format != FormatJSON {
		return errors.NotValidf("log.format=%q", c.Log.Format)
	}

	seen := make(map[uint32]struct{}, len(c.Points))
	for i, p := range c.Points {
		if p.Address > 0xFFFFFF {
			return errors.NotValidf("points[%d] address=%d exceeds 3 octets", i, p.Address)
		}
		if _, dup := seen[p.Address]; dup {
			return errors.AlreadyExistsf("points[%d] address=%d", i, p.Address)
		}
		seen[p.Address] = struct{}{}
		if _, err := p.spec(); err != nil {
			return errors.Annotatef(err, "points[%d]", i)
		}
	}
	for field, addr := range c.Fields {
		if _, ok := seen[addr]; !ok {
			return errors.NotFoundf("fields.%s address=%d", field, addr)
		}
	}
	if c.Feed.MQTT.QoS > 2 {
		return errors.NotValidf("feed.mqtt.qos=%d", c.Feed.MQTT.QoS)
	}
	return nil
}

func pointConfigOf(p iec104.PointSpec) PointConfig {
	pc := PointConfig{
		Address:       p.Address,
		Type:          PointTypeFloat,
		CommonAddress: p.CommonAddress,
		Name:          p.Name,
	}
	if p.Type == iec104.MSpNa1 {
		pc.Type = PointTypeBool
		pc.Value = p.Initial.Bool()
	} else {
		pc.Value = float64(p.Initial.Float())
	}
	return pc
}

func (p PointConfig) spec() (iec104.PointSpec, error) {
	s := iec104.PointSpec{
		Address:       p.Address,
		CommonAddress: p.CommonAddress,
		Name:          p.Name,
	}
	switch strings.ToLower(p.Type) {
	case PointTypeBool:
		s.Type = iec104.MSpNa1
	case PointTypeFloat:
		s.Type = iec104.MMeNc1
	default:
		return s, errors.NotValidf("type=%q", p.Type)
	}

	switch v := p.Value.(type) {
	case nil:
		s.Initial = iec104.FloatValue(0).As(s.Type)
	case bool:
		s.Initial = iec104.BoolValue(v).As(s.Type)
	case int:
		s.Initial = iec104.FloatValue(float32(v)).As(s.Type)
	case float64:
		s.Initial = iec104.FloatValue(float32(v)).As(s.Type)
	default:
		return s, errors.NotValidf("value=%v", p.Value)
	}
	return s, nil
}

// PointSpecs converts the point table for the cache.
func (c *Config) PointSpecs() []iec104.PointSpec {
	out := make([]iec104.PointSpec, 0, len(c.Points))
	for _, p := range c.Points {
		s, err := p.spec()
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ServerConfig builds the station configuration. Control is left for the
// caller to inject.
func (c *Config) ServerConfig() iec104.ServerConfig {
	// Non-nil so the station does not substitute the default field table.
	fields := make(iec104.FieldMap, len(c.Fields))
	for name, addr := range c.Fields {
		fields[name] = addr
	}
	return iec104.ServerConfig{
		Addr:                c.Server.Addr,
		Points:              c.PointSpecs(),
		FieldMap:            fields,
		CyclicInterval:      c.Server.CyclicInterval,
		CommandTermDelay:    c.Server.CommandTermDelay,
		InterrogationPacing: c.Server.InterrogationPacing,
		WriteTimeout:        c.Server.WriteTimeout,
		MetricsAddr:         c.Metrics.Addr,
		MetricsLogInterval:  c.Metrics.LogInterval,
		ShowBanner:          c.Server.ShowBanner,
	}
}

// FeedConfig builds the MQTT subscriber configuration.
func (c *Config) FeedConfig() feed.Config {
	m := c.Feed.MQTT
	return feed.Config{
		Broker:    m.Broker,
		Topic:     m.Topic,
		ClientID:  m.ClientID,
		Username:  m.Username,
		Password:  m.Password,
		QoS:       m.QoS,
		KeepAlive: m.KeepAlive,
	}
}
