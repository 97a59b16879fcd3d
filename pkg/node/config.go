package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/viper"

	"slimetracker-go/pkg/machine"
	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/protocol/spec"
)

type Config struct {
	NodeID            string        `mapstructure:"node_id"`
	LocalPort         int           `mapstructure:"local_port"`
	Timeout           time.Duration `mapstructure:"timeout"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	LinkCheckInterval time.Duration `mapstructure:"link_check_interval"`
	BatteryInterval   time.Duration `mapstructure:"battery_interval"` // 0 disables battery and RSSI reports
	SensorCount       int           `mapstructure:"sensor_count"`
	BufferSize        int           `mapstructure:"buffer_size"`
	UDPBufferSize     int           `mapstructure:"udp_buffer_size"`

	BoardType       int32  `mapstructure:"board_type"`
	IMUType         int32  `mapstructure:"imu_type"`
	CPUCount        int32  `mapstructure:"cpu_count"`
	BuildVersion    int32  `mapstructure:"build_version"`
	FirmwareVersion string `mapstructure:"firmware_version"`
	HardwareAddress string `mapstructure:"hardware_address"` // derived from the machine id when empty

	LinkInterface  string `mapstructure:"link_interface"`
	RequireGateway bool   `mapstructure:"require_gateway"`
	NATMapping     bool   `mapstructure:"nat_mapping"`

	APIListenAddr string `mapstructure:"api_listen_address"` // empty disables the API
	LogDB         string `mapstructure:"log_db"`
	Debug         bool   `mapstructure:"debug"`
	CaptureFile   string `mapstructure:"capture_file"`
	ConfigFile    string `mapstructure:"config_file"`
}

func DefaultConfig() *Config {
	info := protocol.DefaultDeviceInfo()
	return &Config{
		LocalPort:         6969,
		Timeout:           3 * time.Second,
		TickInterval:      100 * time.Millisecond,
		LinkCheckInterval: time.Second,
		BatteryInterval:   5 * time.Second,
		SensorCount:       6,
		BufferSize:        256,
		UDPBufferSize:     1 << 20,
		BoardType:         info.BoardType,
		IMUType:           info.IMUType,
		CPUCount:          info.CPUCount,
		BuildVersion:      info.BuildVersion,
		FirmwareVersion:   info.FirmwareVersion,
		APIListenAddr:     "127.0.0.1:7780",
		LogDB:             "tracker.db",
		ConfigFile:        "tracker",
	}
}

// LoadConfig reads defaults, then the config file, then SLIMETRACKER_*
// environment variables, later sources overriding earlier ones. configFile
// may be a path or a bare name searched in the usual directories.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if configFile != "" {
		cfg.ConfigFile = configFile
	}

	v := viper.New()
	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		v.SetConfigFile(cfg.ConfigFile)
	} else {
		v.SetConfigName(cfg.ConfigFile)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/slimetracker/")
		v.AddConfigPath("$HOME/.slimetracker")
	}
	v.SetEnvPrefix("SLIMETRACKER")
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		cfg.ConfigFile = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.NodeID == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		cfg.NodeID = h
	}
	return cfg, cfg.Validate()
}

// setDefaults registers every key so that environment variables are
// considered by Unmarshal even when no file sets them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("local_port", cfg.LocalPort)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("link_check_interval", cfg.LinkCheckInterval)
	v.SetDefault("battery_interval", cfg.BatteryInterval)
	v.SetDefault("sensor_count", cfg.SensorCount)
	v.SetDefault("buffer_size", cfg.BufferSize)
	v.SetDefault("udp_buffer_size", cfg.UDPBufferSize)
	v.SetDefault("board_type", cfg.BoardType)
	v.SetDefault("imu_type", cfg.IMUType)
	v.SetDefault("cpu_count", cfg.CPUCount)
	v.SetDefault("build_version", cfg.BuildVersion)
	v.SetDefault("firmware_version", cfg.FirmwareVersion)
	v.SetDefault("hardware_address", cfg.HardwareAddress)
	v.SetDefault("link_interface", cfg.LinkInterface)
	v.SetDefault("require_gateway", cfg.RequireGateway)
	v.SetDefault("nat_mapping", cfg.NATMapping)
	v.SetDefault("api_listen_address", cfg.APIListenAddr)
	v.SetDefault("log_db", cfg.LogDB)
	v.SetDefault("debug", cfg.Debug)
	v.SetDefault("capture_file", cfg.CaptureFile)
}

func (c *Config) Validate() error {
	var errs []error
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("local_port %d out of range", c.LocalPort))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive"))
	}
	if c.LinkCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("link_check_interval must be positive"))
	}
	if c.BatteryInterval < 0 {
		errs = append(errs, fmt.Errorf("battery_interval must not be negative"))
	}
	if c.SensorCount < 1 || c.SensorCount >= int(spec.SignalSensorID) {
		errs = append(errs, fmt.Errorf("sensor_count %d out of range [1,%d]", c.SensorCount, spec.SignalSensorID-1))
	}
	if c.BufferSize < protocol.HeaderSize || c.BufferSize > protocol.MaxPacketSize {
		errs = append(errs, fmt.Errorf("buffer_size %d out of range [%d,%d]", c.BufferSize, protocol.HeaderSize, protocol.MaxPacketSize))
	}
	if len(c.FirmwareVersion) > 255 {
		errs = append(errs, fmt.Errorf("firmware_version longer than 255 bytes"))
	}
	if c.HardwareAddress != "" {
		if _, err := parseHardwareAddr(c.HardwareAddress); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseHardwareAddr(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("hardware_address: %w", err)
	}
	if len(mac) != protocol.HardwareAddrSize {
		return nil, fmt.Errorf("hardware_address %s is not a 6-byte MAC", s)
	}
	return mac, nil
}

// DeviceInfo is what the node announces in its handshake.
func (c *Config) DeviceInfo() (protocol.DeviceInfo, error) {
	info := protocol.DeviceInfo{
		BoardType:       c.BoardType,
		IMUType:         c.IMUType,
		CPUCount:        c.CPUCount,
		BuildVersion:    c.BuildVersion,
		FirmwareVersion: c.FirmwareVersion,
	}
	var err error
	if c.HardwareAddress != "" {
		info.HardwareAddr, err = parseHardwareAddr(c.HardwareAddress)
	} else {
		info.HardwareAddr, err = machine.HardwareAddr(c.NodeID)
	}
	return info, err
}
