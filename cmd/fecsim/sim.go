package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/opd-ai/rtpfec/config"
	"github.com/opd-ai/rtpfec/factory"
	"github.com/opd-ai/rtpfec/netsim"
	"github.com/opd-ai/rtpfec/rtp"
	"github.com/opd-ai/rtpfec/transport"
	"github.com/sirupsen/logrus"
)

// minPayloadSize leaves room for the frame index stamped into each payload.
const minPayloadSize = 4

// Report summarises one simulation run.
type Report struct {
	Mode           string
	MediaSent      uint64
	FECSent        uint64
	NetworkDropped uint64
	Played         uint64
	Corrupt        uint64
	Missing        uint64
	Session        rtp.Statistics
	ResidualLoss   float64
	Quality        rtp.Quality
	Elapsed        time.Duration
}

// progressInterval is how often a real-time run logs session statistics.
const progressInterval = time.Second

type simulation struct {
	cfg         config.Config
	clock       *netsim.Clock
	integration *rtp.TransportIntegration
	monitor     *rtp.StatsMonitor
	session     *rtp.Session
	packetizer  *rtp.Packetizer
	sent        [][]byte
	played      uint64
	corrupt     uint64
}

// runSimulation streams packets media frames from a packetizer to a receive
// session and checks every played frame against what was sent. In
// simulation mode time is virtual and advances one frame per packet.
func runSimulation(ctx context.Context, cfg config.Config, packets int) (*Report, error) {
	if cfg.Sender.PayloadSize < minPayloadSize {
		return nil, fmt.Errorf("payload size must be at least %d bytes", minPayloadSize)
	}

	started := time.Now()
	f := factory.NewTransportFactory()
	tc := cfg.TransportConfig()
	sessionConfig := cfg.SessionConfig()

	s := &simulation{cfg: cfg, sent: make([][]byte, 0, packets)}

	var network *netsim.Network
	if tc.UseSimulation {
		var err error
		network, err = f.Network(tc)
		if err != nil {
			return nil, err
		}
		s.clock = netsim.NewClock(time.Unix(0, 0))
		sessionConfig.TimeProvider = s.clock
	}

	receiver, err := f.CreateTransportWithConfig(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver transport: %w", err)
	}
	defer receiver.Close()

	senderConfig := *tc
	senderConfig.ListenAddr = "127.0.0.1:0"
	sender, err := f.CreateTransportWithConfig(&senderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender transport: %w", err)
	}
	defer sender.Close()

	if err := s.connect(sender, receiver, sessionConfig); err != nil {
		return nil, err
	}
	defer s.integration.Close()

	if s.clock == nil {
		s.monitor.OnReport(logProgress)
		if err := s.monitor.Start(); err != nil {
			return nil, err
		}
		defer s.monitor.Stop()
	}

	frame := time.Duration(cfg.Sender.FrameSamples) * time.Second / time.Duration(cfg.Sender.ClockRate)
	if span := frame * time.Duration(cfg.Sender.GroupSize-1); sessionConfig.Latency <= span {
		logrus.WithFields(logrus.Fields{
			"function":   "runSimulation",
			"latency":    sessionConfig.Latency.String(),
			"group_span": span.String(),
		}).Warn("Latency shorter than a FEC group, losses early in a group may be skipped before their FEC arrives")
	}

	rng := rand.New(rand.NewSource(tc.Seed))
	for i := 0; i < packets; i++ {
		payload := make([]byte, cfg.Sender.PayloadSize)
		rng.Read(payload)
		binary.BigEndian.PutUint32(payload, uint32(i))
		s.sent = append(s.sent, payload)

		if err := s.packetizer.PacketizeAndSend(payload, cfg.Sender.FrameSamples, false); err != nil {
			return nil, err
		}
		if err := s.wait(ctx, frame); err != nil {
			return nil, err
		}
		s.drain()
	}

	if err := s.packetizer.Flush(); err != nil {
		return nil, err
	}
	if err := s.wait(ctx, sessionConfig.Latency+frame); err != nil {
		return nil, err
	}
	s.drain()

	sendStats := s.packetizer.Stats()
	report := &Report{
		Mode:      "udp",
		MediaSent: sendStats.MediaSent,
		FECSent:   sendStats.FECSent,
		Played:    s.played,
		Corrupt:   s.corrupt,
		Session:   s.session.Statistics(),
		Elapsed:   time.Since(started),
	}
	if sr, ok := s.monitor.Collect().Sessions[sender.LocalAddr().String()]; ok {
		report.ResidualLoss = sr.ResidualLoss
		report.Quality = sr.Quality
	}
	if network != nil {
		report.Mode = "simulation"
		report.NetworkDropped = network.Stats().Dropped
	}
	if report.MediaSent > report.Played {
		report.Missing = report.MediaSent - report.Played
	}

	return report, nil
}

func (s *simulation) connect(sender, receiver transport.Transport, sessionConfig rtp.SessionConfig) error {
	var err error
	s.integration, err = rtp.NewTransportIntegration(receiver)
	if err != nil {
		return err
	}

	s.session, err = s.integration.CreateSession(sender.LocalAddr(), sessionConfig)
	if err != nil {
		return err
	}

	s.monitor, err = rtp.NewStatsMonitor(s.integration, progressInterval)
	if err != nil {
		return err
	}

	s.packetizer, err = rtp.NewPacketizer(s.cfg.PacketizerConfig(), sender, receiver.LocalAddr())
	return err
}

func logProgress(report rtp.MonitorReport) {
	logrus.WithFields(logrus.Fields{
		"function":      "logProgress",
		"played":        report.Played,
		"lost":          report.Lost,
		"recovered":     report.Recovered,
		"uncorrectable": report.Uncorrectable,
		"quality":       report.OverallQuality.String(),
	}).Info("Receive progress")
}

// wait lets d pass, virtually or for real.
func (s *simulation) wait(ctx context.Context, d time.Duration) error {
	if s.clock != nil {
		s.clock.Advance(d)
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// drain plays out every due packet and verifies it.
func (s *simulation) drain() {
	for {
		pkt, ok := s.session.Pop()
		if !ok {
			return
		}
		s.played++

		if len(pkt.Payload) < minPayloadSize {
			s.corrupt++
			continue
		}
		index := binary.BigEndian.Uint32(pkt.Payload)
		if int(index) >= len(s.sent) || !bytes.Equal(s.sent[index], pkt.Payload) {
			s.corrupt++
		}
	}
}
