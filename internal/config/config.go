// Package config reads devlink HCL configuration.
// Sources are applied in order, `include "name" {}` blocks are read after
// the including file, so later sources overwrite earlier values.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/dbarentine/environment-iot/helpers"
	"github.com/dbarentine/environment-iot/internal/broker"
	"github.com/dbarentine/environment-iot/internal/clock"
	"github.com/dbarentine/environment-iot/internal/link"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

const (
	TransportMqtt = "mqtt"
	TransportPaho = "paho"

	DefaultResyncMin     = 60
	DefaultOutboxRetryMs = 5000
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device struct {
		Broker   string `hcl:"broker"`
		DeviceID string `hcl:"device_id"`
		Key      string `hcl:"key"`
		KeyName  string `hcl:"key_name"`
	} `hcl:"device"`

	Token struct {
		LifetimeMin int `hcl:"lifetime_min"`
	} `hcl:"token"`

	Link struct {
		Transport         string  `hcl:"transport"`
		Port              int     `hcl:"port"`
		TLSCAFile         string  `hcl:"tls_ca_file"`
		KeepaliveSec      int     `hcl:"keepalive_sec"`
		NetworkTimeoutSec int     `hcl:"network_timeout_sec"`
		RetryDelayMs      int     `hcl:"retry_delay_ms"`
		RetryMaxMs        int     `hcl:"retry_max_ms"`
		RetryK            float32 `hcl:"retry_k"`
		MaxAttempts       int     `hcl:"max_attempts"`
		TickMs            int     `hcl:"tick_ms"`
		Topic             string  `hcl:"topic"`
		LogDebug          bool    `hcl:"log_debug"`
	} `hcl:"link"`

	Clock struct {
		Mandatory   bool `hcl:"mandatory"`
		SyncTries   int  `hcl:"sync_tries"`
		SyncDelayMs int  `hcl:"sync_delay_ms"`
		ResyncMin   int  `hcl:"resync_min"`
		FloorUnix   int  `hcl:"floor_unix"`
	} `hcl:"clock"`

	Outbox struct {
		Path         string `hcl:"path"`
		RetryDelayMs int    `hcl:"retry_delay_ms"`
	} `hcl:"outbox"`

	LogDebug bool `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	// content is not logged, it may carry device key
	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func MustRead(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := Read(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Device.Broker == "" {
		errs = append(errs, errors.NotValidf("device.broker empty"))
	}
	if c.Device.DeviceID == "" {
		errs = append(errs, errors.NotValidf("device.device_id empty"))
	}
	if c.Device.Key == "" {
		errs = append(errs, errors.NotValidf("device.key empty"))
	}
	switch strings.ToLower(c.Link.Transport) {
	case "", TransportMqtt, TransportPaho:
	default:
		errs = append(errs, errors.NotValidf("link.transport=%s", c.Link.Transport))
	}
	if c.Token.LifetimeMin < 0 || c.Link.MaxAttempts < 0 || c.Link.Port < 0 || c.Link.Port > 65535 {
		errs = append(errs, errors.NotValidf("negative lifetime_min, max_attempts or port out of range"))
	}
	if c.Link.KeepaliveSec < 0 || c.Link.KeepaliveSec > 65535 {
		errs = append(errs, errors.NotValidf("link.keepalive_sec=%d", c.Link.KeepaliveSec))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) Transport() string {
	if t := strings.ToLower(c.Link.Transport); t != "" {
		return t
	}
	return TransportMqtt
}

func (c *Config) BrokerURL() string {
	return broker.URL(c.Device.Broker, c.Link.Port)
}

func (c *Config) BrokerOptions(log *log2.Log) broker.Options {
	return broker.Options{
		BrokerURL:      c.BrokerURL(),
		KeepaliveSec:   uint16(helpers.IntDefault(c.Link.KeepaliveSec, broker.DefaultKeepaliveSec)),
		NetworkTimeout: helpers.IntSecondDefault(c.Link.NetworkTimeoutSec, broker.DefaultNetworkTimeout),
		Log:            log,
	}
}

func (c *Config) LinkOptions() link.Options {
	return link.Options{
		TokenLifetimeMin: uint(helpers.IntDefault(c.Token.LifetimeMin, link.DefaultTokenLifetimeMin)),
		Topic:            c.Link.Topic,
		TickInterval:     helpers.IntMillisecondDefault(c.Link.TickMs, link.DefaultTickInterval),
		RetryDelay:       helpers.IntMillisecondDefault(c.Link.RetryDelayMs, link.DefaultRetryDelay),
		RetryMax:         helpers.IntMillisecondDefault(c.Link.RetryMaxMs, 0),
		RetryK:           c.Link.RetryK,
		MaxAttempts:      c.Link.MaxAttempts,
	}
}

func (c *Config) SyncOptions() clock.SyncOptions {
	return clock.SyncOptions{
		Tries:     helpers.IntDefault(c.Clock.SyncTries, clock.DefaultSyncTries),
		Delay:     helpers.IntMillisecondDefault(c.Clock.SyncDelayMs, clock.DefaultSyncDelay),
		Mandatory: c.Clock.Mandatory,
	}
}

func (c *Config) ClockFloor() uint32 {
	if c.Clock.FloorUnix <= 0 {
		return clock.DefaultFloor
	}
	return uint32(c.Clock.FloorUnix)
}

func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(helpers.IntDefault(c.Clock.ResyncMin, DefaultResyncMin)) * time.Minute
}

func (c *Config) OutboxRetryDelay() time.Duration {
	return time.Duration(helpers.IntDefault(c.Outbox.RetryDelayMs, DefaultOutboxRetryMs)) * time.Millisecond
}
