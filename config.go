// Package torrent is the root package of the client: Config and the
// orchestrator that wires the DHT, manager, and trackerless fetch
// together for a single info hash, per spec §4.14.
package torrent

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v1"
)

// Config carries every tunable spec §9 calls out as "explicit
// parameters of each component's constructor", loaded from YAML the
// way the teacher's own config.go does.
type Config struct {
	Port       uint16
	Database   string `yaml:"database"`
	DataDir    string `yaml:"data_dir"`
	Encryption struct {
		DisableOutgoing bool `yaml:"disable_outgoing"`
		ForceOutgoing   bool `yaml:"force_outgoing"`
		ForceIncoming   bool `yaml:"force_incoming"`
	}

	DHT struct {
		Enabled         bool          `yaml:"enabled"`
		EnabledV6       bool          `yaml:"enabled_v6"`
		Port            uint16        `yaml:"port"`
		BootstrapHosts  []string      `yaml:"bootstrap_hosts"`
		LookupPeersPeriod time.Duration `yaml:"lookup_peers_period"`
		K               int           `yaml:"k"`
		Alpha           int           `yaml:"alpha"`
		QueryTimeout    time.Duration `yaml:"query_timeout"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		BucketMaxAge    time.Duration `yaml:"bucket_max_age"`
		TokenEpoch      time.Duration `yaml:"token_epoch"`
		PeerTTL         time.Duration `yaml:"peer_ttl"`
	} `yaml:"dht"`

	UTP struct {
		ConnectTimeout                time.Duration `yaml:"connect_timeout"`
		RecvIdleTimeout               time.Duration `yaml:"recv_idle_timeout"`
		CloseGrace                    time.Duration `yaml:"close_grace"`
		MaxRetransmits                int           `yaml:"max_retransmits"`
		PacketSize                    int           `yaml:"packet_size"`
		RecvWindowSize                int           `yaml:"recv_window_size"`
		CCControlTarget               time.Duration `yaml:"cc_control_target"`
		MaxCwndIncreaseBytesPerRTT    int           `yaml:"max_cwnd_increase_bytes_per_rtt"`
		MinPacketSize                 int           `yaml:"min_packet_size"`
		MaxWindowSize                 int           `yaml:"max_window_size"`
	} `yaml:"utp"`

	MSE struct {
		PadMax int `yaml:"pad_max"`
	} `yaml:"mse"`

	Manager struct {
		ConnectTimeout     time.Duration `yaml:"connect_timeout"`
		MaxConcurrentDials int           `yaml:"max_concurrent_dials"`
		BusCapacity        int           `yaml:"bus_capacity"`
	} `yaml:"manager"`

	FetchMetadataTimeout time.Duration `yaml:"fetch_metadata_timeout"`
	MetadataQueueLength  int           `yaml:"metadata_queue_length"`

	MaxOpenFiles int `yaml:"max_open_files"`
}

// DefaultConfig mirrors BEP 5/BEP 29's recommended values, the way
// spec §9 keeps these as explicit constructor parameters rather than
// globals.
var DefaultConfig = Config{
	Port: 6881,
}

func init() {
	DefaultConfig.Database = "~/.rain/session.db"
	DefaultConfig.DataDir = "~/.rain/data"

	DefaultConfig.DHT.Enabled = true
	DefaultConfig.DHT.Port = 6881
	DefaultConfig.DHT.BootstrapHosts = []string{
		"router.bittorrent.com:6881",
		"dht.transmissionbt.com:6881",
		"router.utorrent.com:6881",
	}
	DefaultConfig.DHT.LookupPeersPeriod = 30 * time.Second
	DefaultConfig.DHT.K = 8
	DefaultConfig.DHT.Alpha = 3
	DefaultConfig.DHT.QueryTimeout = 10 * time.Second
	DefaultConfig.DHT.RefreshInterval = time.Minute
	DefaultConfig.DHT.BucketMaxAge = 15 * time.Minute
	DefaultConfig.DHT.TokenEpoch = 5 * time.Minute
	DefaultConfig.DHT.PeerTTL = 30 * time.Minute

	DefaultConfig.UTP.ConnectTimeout = 5 * time.Second
	DefaultConfig.UTP.RecvIdleTimeout = 30 * time.Second
	DefaultConfig.UTP.CloseGrace = 10 * time.Second
	DefaultConfig.UTP.MaxRetransmits = 10
	DefaultConfig.UTP.PacketSize = 1400
	DefaultConfig.UTP.RecvWindowSize = 1 << 20
	DefaultConfig.UTP.CCControlTarget = 100 * time.Millisecond
	DefaultConfig.UTP.MaxCwndIncreaseBytesPerRTT = 3000
	DefaultConfig.UTP.MinPacketSize = 150
	DefaultConfig.UTP.MaxWindowSize = 1 << 20

	DefaultConfig.MSE.PadMax = 512

	DefaultConfig.Manager.ConnectTimeout = 5 * time.Second
	DefaultConfig.Manager.MaxConcurrentDials = 40
	DefaultConfig.Manager.BusCapacity = 64

	DefaultConfig.FetchMetadataTimeout = 2 * time.Minute
	DefaultConfig.MetadataQueueLength = 10

	DefaultConfig.MaxOpenFiles = 1024
}

// LoadConfig reads filename as YAML over DefaultConfig, tolerating a
// missing file.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}