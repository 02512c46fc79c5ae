// Package config loads the TOML configuration shared by the fecsim tool
// and embedders of the sender and receiver.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/opd-ai/rtpfec/factory"
	"github.com/opd-ai/rtpfec/limits"
	"github.com/opd-ai/rtpfec/rtp"
	"github.com/sirupsen/logrus"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Sender configures the media packetizer.
type Sender struct {
	PayloadType    uint8
	FECPayloadType uint8
	GroupSize      int
	ClockRate      uint32
	FrameSamples   uint32
	PayloadSize    int
}

// Receiver configures the receive session.
type Receiver struct {
	LatencyMillis int
	Capacity      int
	FECHistory    int
}

// Network configures the transport.
type Network struct {
	UseSimulation bool
	ListenAddr    string
	LossRate      float64
	Seed          int64
}

// Log configures logging.
type Log struct {
	Level string
}

// Config is the whole configuration file.
type Config struct {
	Sender   Sender
	Receiver Receiver
	Network  Network
	Log      Log
}

// Default returns the built-in configuration.
func Default() Config {
	session := rtp.DefaultSessionConfig()
	packetizer := rtp.DefaultPacketizerConfig()

	return Config{
		Sender: Sender{
			PayloadType:    packetizer.PayloadType,
			FECPayloadType: packetizer.FECPayloadType,
			GroupSize:      packetizer.GroupSize,
			ClockRate:      session.ClockRate,
			FrameSamples:   960,
			PayloadSize:    160,
		},
		Receiver: Receiver{
			LatencyMillis: int(session.Latency / time.Millisecond),
			Capacity:      session.Capacity,
			FECHistory:    session.FECHistory,
		},
		Network: Network{
			UseSimulation: true,
			ListenAddr:    "127.0.0.1:0",
			LossRate:      0.05,
			Seed:          1,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads file over the defaults and validates the result.
func Load(file string) (Config, error) {
	cfg := Default()

	f, err := os.Open(file)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	if err != nil {
		return cfg, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"file":     file,
	}).Debug("Loaded configuration file")

	return cfg, cfg.Validate()
}

// Marshal renders cfg as TOML.
func (c Config) Marshal() ([]byte, error) {
	out, err := tomlSettings.Marshal(&c)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("# rtpfec configuration\n\n")
	buf.Write(out)
	return buf.Bytes(), nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.PacketizerConfig().Validate(); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if c.Sender.ClockRate == 0 {
		return fmt.Errorf("sender: clock rate cannot be zero")
	}
	if c.Sender.PayloadSize <= 0 || c.Sender.PayloadSize > limits.MaxRTPPacket-limits.MinRTPPacket {
		return fmt.Errorf("sender: payload size %d outside 1..%d", c.Sender.PayloadSize, limits.MaxRTPPacket-limits.MinRTPPacket)
	}
	if c.Receiver.LatencyMillis < 0 {
		return fmt.Errorf("receiver: negative latency %d", c.Receiver.LatencyMillis)
	}
	if err := limits.ValidateJitterCapacity(c.Receiver.Capacity); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	if c.Receiver.FECHistory <= 0 {
		return fmt.Errorf("receiver: FEC history must be positive")
	}
	if c.Network.LossRate < factory.MinLossRate || c.Network.LossRate > factory.MaxLossRate {
		return fmt.Errorf("network: loss rate %v outside [%v, %v]", c.Network.LossRate, factory.MinLossRate, factory.MaxLossRate)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// PacketizerConfig returns the sender settings for rtp.NewPacketizer.
func (c Config) PacketizerConfig() rtp.PacketizerConfig {
	return rtp.PacketizerConfig{
		PayloadType:    c.Sender.PayloadType,
		FECPayloadType: c.Sender.FECPayloadType,
		GroupSize:      c.Sender.GroupSize,
	}
}

// SessionConfig returns the receiver settings for rtp.NewSession.
func (c Config) SessionConfig() rtp.SessionConfig {
	return rtp.SessionConfig{
		ClockRate:      c.Sender.ClockRate,
		FECPayloadType: c.Sender.FECPayloadType,
		Latency:        time.Duration(c.Receiver.LatencyMillis) * time.Millisecond,
		Capacity:       c.Receiver.Capacity,
		FECHistory:     c.Receiver.FECHistory,
	}
}

// TransportConfig returns the network settings for the transport factory.
func (c Config) TransportConfig() *factory.TransportConfig {
	return &factory.TransportConfig{
		UseSimulation: c.Network.UseSimulation,
		ListenAddr:    c.Network.ListenAddr,
		LossRate:      c.Network.LossRate,
		Seed:          c.Network.Seed,
	}
}
