package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Node struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"` // empty logs to stdout only
	// DebugDumpInterval logs the whole book at debug level. 0 disables it.
	DebugDumpInterval time.Duration `yaml:"debug_dump_interval"`
}

type P2P struct {
	ListenAddr string   `yaml:"listen_addr"`
	Bootstrap  []string `yaml:"bootstrap"`
	// AnnounceInterval is how often services are re-announced. Peers forget a
	// service after three missed announcements.
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
}

type Sync struct {
	Mode           string        `yaml:"mode"` // fingerprint | delta
	GossipInterval time.Duration `yaml:"gossip_interval"`
	OutboxSize     int           `yaml:"outbox_size"`
	// LockOnSubmit takes the order lock around local submissions.
	LockOnSubmit bool `yaml:"lock_on_submit"`
	// LockRemoteUpdates applies inbound deltas under the order lock.
	LockRemoteUpdates bool          `yaml:"lock_remote_updates"`
	Merge             bool          `yaml:"merge"`
	MergeInterval     time.Duration `yaml:"merge_interval"`
	MergeCacheSize    int           `yaml:"merge_cache_size"`
}

type Lock struct {
	// Embedded hosts a lock service inside this node and uses it directly.
	Embedded      bool          `yaml:"embedded"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"` // 0 disables expiry
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Storage struct {
	Backend     string `yaml:"backend"` // memory | pebble
	Path        string `yaml:"path"`
	JournalPath string `yaml:"journal_path"` // optional JSON-lines copy of the ledger
}

type API struct {
	Addr        string   `yaml:"addr"` // empty disables the HTTP server
	CORSOrigins []string `yaml:"cors_origins"`
	// TickSize converts decimal API prices into integer ticks.
	TickSize decimal.Decimal `yaml:"tick_size"`
}

type Feed struct {
	KafkaBrokers []string `yaml:"kafka_brokers"` // empty disables the trade feed
	Topic        string   `yaml:"topic"`
}

type Config struct {
	Node    Node    `yaml:"node"`
	P2P     P2P     `yaml:"p2p"`
	Sync    Sync    `yaml:"sync"`
	Lock    Lock    `yaml:"lock"`
	Storage Storage `yaml:"storage"`
	API     API     `yaml:"api"`
	Feed    Feed    `yaml:"feed"`
}

func Default() Config {
	return Config{
		Node: Node{
			Name:     "node",
			LogLevel: "info",
		},
		P2P: P2P{
			ListenAddr:       "/ip4/0.0.0.0/tcp/4001",
			AnnounceInterval: 5 * time.Second,
			RPCTimeout:       10 * time.Second,
		},
		Sync: Sync{
			Mode:           "delta",
			GossipInterval: 10 * time.Second,
			OutboxSize:     1024,
			LockOnSubmit:   true,
			MergeInterval:  5 * time.Second,
			MergeCacheSize: 65536,
		},
		Lock: Lock{
			LeaseTTL:      30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Storage: Storage{
			Backend: "memory",
			Path:    "data/peerbook",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
			TickSize:    decimal.New(1, -2),
		},
		Feed: Feed{
			Topic: "peerbook.trades",
		},
	}
}

// LoadFile overlays a YAML file on top of cfg. Keys missing from the file
// keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists), an optional YAML
// file named by NODE_CONFIG, and environment variables.
// Priority: ENV > YAML file > defaults. The .env file only seeds ENV.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("NODE_CONFIG"); path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	cfg.Node.Name = getEnv("NODE_NAME", cfg.Node.Name)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	envDuration("DEBUG_DUMP_MS", &cfg.Node.DebugDumpInterval)

	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN", cfg.P2P.ListenAddr)
	envList("P2P_BOOTSTRAP", &cfg.P2P.Bootstrap)
	envDuration("P2P_ANNOUNCE_MS", &cfg.P2P.AnnounceInterval)
	envDuration("RPC_TIMEOUT_MS", &cfg.P2P.RPCTimeout)

	cfg.Sync.Mode = getEnv("SYNC_MODE", cfg.Sync.Mode)
	envDuration("SYNC_GOSSIP_MS", &cfg.Sync.GossipInterval)
	envInt("SYNC_OUTBOX_SIZE", &cfg.Sync.OutboxSize)
	envBool("SYNC_LOCK_ON_SUBMIT", &cfg.Sync.LockOnSubmit)
	envBool("SYNC_LOCK_REMOTE_UPDATES", &cfg.Sync.LockRemoteUpdates)
	envBool("SYNC_MERGE", &cfg.Sync.Merge)
	envDuration("SYNC_MERGE_MS", &cfg.Sync.MergeInterval)

	envBool("LOCK_EMBEDDED", &cfg.Lock.Embedded)
	envDuration("LOCK_LEASE_MS", &cfg.Lock.LeaseTTL)
	envDuration("LOCK_SWEEP_MS", &cfg.Lock.SweepInterval)

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getEnv("STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.JournalPath = getEnv("JOURNAL_PATH", cfg.Storage.JournalPath)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	envList("API_CORS_ORIGINS", &cfg.API.CORSOrigins)
	if tick := os.Getenv("API_TICK_SIZE"); tick != "" {
		if d, err := decimal.NewFromString(tick); err == nil {
			cfg.API.TickSize = d
		}
	}

	envList("KAFKA_BROKERS", &cfg.Feed.KafkaBrokers)
	cfg.Feed.Topic = getEnv("KAFKA_TOPIC", cfg.Feed.Topic)

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Node.Name == "" {
		errs = append(errs, errors.New("node name is required"))
	}
	if c.Sync.Mode != "fingerprint" && c.Sync.Mode != "delta" {
		errs = append(errs, fmt.Errorf("sync mode %q: must be fingerprint or delta", c.Sync.Mode))
	}
	if c.P2P.RPCTimeout <= 0 {
		errs = append(errs, errors.New("rpc timeout must be positive"))
	}
	if c.P2P.AnnounceInterval <= 0 {
		errs = append(errs, errors.New("announce interval must be positive"))
	}
	if c.Sync.OutboxSize <= 0 {
		errs = append(errs, errors.New("sync outbox size must be positive"))
	}
	if c.Sync.Merge && c.Sync.MergeInterval <= 0 {
		errs = append(errs, errors.New("merge interval must be positive when merge is enabled"))
	}
	if c.Lock.LeaseTTL < 0 {
		errs = append(errs, errors.New("lock lease ttl must not be negative"))
	}
	if c.Lock.LeaseTTL > 0 && c.Lock.SweepInterval <= 0 {
		errs = append(errs, errors.New("lock sweep interval must be positive when leases expire"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "pebble":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("pebble storage needs a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage backend %q: must be memory or pebble", c.Storage.Backend))
	}
	if !c.API.TickSize.IsPositive() {
		errs = append(errs, errors.New("api tick size must be positive"))
	}
	if len(c.Feed.KafkaBrokers) > 0 && c.Feed.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// AnnounceTTL is how long a peer's announcement stays valid.
func (c *Config) AnnounceTTL() time.Duration { return 3 * c.P2P.AnnounceInterval }

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
