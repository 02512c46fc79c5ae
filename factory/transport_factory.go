package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/opd-ai/rtpfec/netsim"
	"github.com/opd-ai/rtpfec/transport"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinLossRate is the smallest simulated loss probability.
	MinLossRate = 0.0
	// MaxLossRate is the largest simulated loss probability.
	MaxLossRate = 1.0
)

// TransportConfig selects and configures a transport.
type TransportConfig struct {
	// UseSimulation selects the in-memory network instead of UDP.
	UseSimulation bool
	// ListenAddr is the UDP listen address.
	ListenAddr string
	// LossRate is the simulated loss probability.
	LossRate float64
	// Seed seeds simulated loss.
	Seed int64
}

// TransportFactory creates transports based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *TransportConfig
	network       *netsim.Network
	networkConfig TransportConfig
}

// NewTransportFactory creates a new factory with default configuration and
// environment overrides applied.
func NewTransportFactory() *TransportFactory {
	defaultConfig := createDefaultConfig()
	applyEnvironmentOverrides(defaultConfig)
	logConfigurationInfo(defaultConfig)

	return &TransportFactory{
		defaultConfig: defaultConfig,
	}
}

// createDefaultConfig returns the production defaults: a UDP transport on an
// ephemeral loopback port.
func createDefaultConfig() *TransportConfig {
	return &TransportConfig{
		UseSimulation: false,
		ListenAddr:    "127.0.0.1:0",
		LossRate:      0,
		Seed:          1,
	}
}

// applyEnvironmentOverrides updates configuration from RTPFEC_* variables.
func applyEnvironmentOverrides(config *TransportConfig) {
	parseSimulationSetting(config)
	parseLossRateSetting(config)
	parseSeedSetting(config)
	parseListenAddrSetting(config)
}

// parseSimulationSetting updates UseSimulation from RTPFEC_USE_SIMULATION.
// It logs a warning and keeps the current value if parsing fails.
func parseSimulationSetting(config *TransportConfig) {
	if useSimStr := os.Getenv("RTPFEC_USE_SIMULATION"); useSimStr != "" {
		useSim, err := strconv.ParseBool(useSimStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseSimulationSetting",
				"env_var":     "RTPFEC_USE_SIMULATION",
				"value":       useSimStr,
				"error":       err.Error(),
				"using_value": config.UseSimulation,
			}).Warn("Failed to parse RTPFEC_USE_SIMULATION environment variable, using default")
			return
		}
		config.UseSimulation = useSim
	}
}

// parseLossRateSetting updates LossRate from RTPFEC_LOSS_RATE. Values outside
// [MinLossRate, MaxLossRate] are ignored with a warning.
func parseLossRateSetting(config *TransportConfig) {
	if rateStr := os.Getenv("RTPFEC_LOSS_RATE"); rateStr != "" {
		rate, err := strconv.ParseFloat(rateStr, 64)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseLossRateSetting",
				"env_var":     "RTPFEC_LOSS_RATE",
				"value":       rateStr,
				"error":       err.Error(),
				"using_value": config.LossRate,
			}).Warn("Failed to parse RTPFEC_LOSS_RATE environment variable, using default")
			return
		}
		if rate < MinLossRate || rate > MaxLossRate {
			logrus.WithFields(logrus.Fields{
				"function":    "parseLossRateSetting",
				"env_var":     "RTPFEC_LOSS_RATE",
				"value":       rate,
				"min":         MinLossRate,
				"max":         MaxLossRate,
				"using_value": config.LossRate,
			}).Warn("RTPFEC_LOSS_RATE value out of bounds, using default")
			return
		}
		config.LossRate = rate
	}
}

// parseSeedSetting updates Seed from RTPFEC_SEED.
func parseSeedSetting(config *TransportConfig) {
	if seedStr := os.Getenv("RTPFEC_SEED"); seedStr != "" {
		seed, err := strconv.ParseInt(seedStr, 10, 64)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseSeedSetting",
				"env_var":     "RTPFEC_SEED",
				"value":       seedStr,
				"error":       err.Error(),
				"using_value": config.Seed,
			}).Warn("Failed to parse RTPFEC_SEED environment variable, using default")
			return
		}
		config.Seed = seed
	}
}

// parseListenAddrSetting updates ListenAddr from RTPFEC_LISTEN_ADDR.
func parseListenAddrSetting(config *TransportConfig) {
	if addr := os.Getenv("RTPFEC_LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
}

// logConfigurationInfo logs the final configuration settings.
func logConfigurationInfo(config *TransportConfig) {
	logrus.WithFields(logrus.Fields{
		"function":       "NewTransportFactory",
		"use_simulation": config.UseSimulation,
		"listen_addr":    config.ListenAddr,
		"loss_rate":      config.LossRate,
		"seed":           config.Seed,
	}).Info("Created transport factory with configuration")
}

// CreateTransport creates a transport from the default configuration.
func (f *TransportFactory) CreateTransport() (transport.Transport, error) {
	f.mu.RLock()
	config := *f.defaultConfig
	f.mu.RUnlock()

	return f.CreateTransportWithConfig(&config)
}

// CreateTransportWithConfig creates a transport from config, or from the
// default configuration when config is nil.
func (f *TransportFactory) CreateTransportWithConfig(config *TransportConfig) (transport.Transport, error) {
	if config == nil {
		f.mu.RLock()
		defaults := *f.defaultConfig
		f.mu.RUnlock()
		config = &defaults
	}

	if config.UseSimulation {
		network, err := f.Network(config)
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function": "CreateTransportWithConfig",
			"type":     "simulation",
		}).Info("Creating simulated transport")
		return network.NewEndpoint(), nil
	}

	logrus.WithFields(logrus.Fields{
		"function":    "CreateTransportWithConfig",
		"type":        "udp",
		"listen_addr": config.ListenAddr,
	}).Info("Creating UDP transport")

	udp, err := transport.NewUDPTransport(config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP transport: %w", err)
	}
	return udp, nil
}

// Network returns the factory's simulated network, creating it from config
// on first use. Later calls with different loss settings are rejected so
// every endpoint shares one link model.
func (f *TransportFactory) Network(config *TransportConfig) (*netsim.Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.network != nil {
		if config.LossRate != f.networkConfig.LossRate || config.Seed != f.networkConfig.Seed {
			return nil, fmt.Errorf("simulated network already configured with loss rate %v seed %d",
				f.networkConfig.LossRate, f.networkConfig.Seed)
		}
		return f.network, nil
	}

	network, err := netsim.NewNetwork(netsim.Config{LossRate: config.LossRate, Seed: config.Seed})
	if err != nil {
		return nil, err
	}
	f.network = network
	f.networkConfig = *config
	return network, nil
}

// SwitchToSimulation switches the configuration to use simulation.
func (f *TransportFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to simulation mode")

	f.defaultConfig.UseSimulation = true
}

// SwitchToReal switches the configuration to use UDP.
func (f *TransportFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToReal",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to real mode")

	f.defaultConfig.UseSimulation = false
}

// GetCurrentConfig returns a copy of the current default configuration.
func (f *TransportFactory) GetCurrentConfig() *TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()

	config := *f.defaultConfig
	return &config
}

// IsUsingSimulation returns true if the factory is configured for simulation.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.defaultConfig.UseSimulation
}

// UpdateConfig replaces the factory's default configuration.
func (f *TransportFactory) UpdateConfig(config *TransportConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.LossRate < MinLossRate || config.LossRate > MaxLossRate {
		return fmt.Errorf("loss rate %v outside [%v, %v]", config.LossRate, MinLossRate, MaxLossRate)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"old_simulation": f.defaultConfig.UseSimulation,
		"new_simulation": config.UseSimulation,
		"old_loss_rate":  f.defaultConfig.LossRate,
		"new_loss_rate":  config.LossRate,
	}).Info("Updating factory configuration")

	updated := *config
	f.defaultConfig = &updated
	return nil
}
