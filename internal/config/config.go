package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ServerConfig holds configuration for the rendezvous server binary.
type ServerConfig struct {
	Addr             string
	LogLevel         string
	RoomTTL          time.Duration // how long an empty room is kept
	MaxRooms         int
	MaxPeersPerRoom  int
	MaxMessageBytes  int
	WSConnectsPerMin int
	WSConnectsBurst  int
	WSMsgsPerSec     int
	WSMsgsBurst      int
	WSIdleTimeout    time.Duration
}

// ClientConfig holds configuration for the chat client.
type ClientConfig struct {
	ServerURL   string
	LogLevel    string
	LogFile     string
	OutDir      string   // where received files are saved
	StunServers []string // empty means the built-in list
	ChunkDelay  time.Duration
	MaxFileSize int64
	AIURL       string
	AIModel     string
	AIKey       string
}

// DefaultServerConfig returns server defaults overridden by ROOMDROP_* environment variables.
func DefaultServerConfig() ServerConfig {
	cfg := ServerConfig{
		Addr:             ":8080",
		LogLevel:         "info",
		RoomTTL:          10 * time.Minute,
		MaxRooms:         1000,
		MaxPeersPerRoom:  8,
		MaxMessageBytes:  64 * 1024,
		WSConnectsPerMin: 30,
		WSConnectsBurst:  10,
		WSMsgsPerSec:     50,
		WSMsgsBurst:      100,
		WSIdleTimeout:    10 * time.Minute,
	}

	if addr := os.Getenv("ROOMDROP_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("ROOMDROP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.RoomTTL = envDuration("ROOMDROP_ROOM_TTL", cfg.RoomTTL)
	cfg.MaxRooms = envInt("ROOMDROP_MAX_ROOMS", cfg.MaxRooms)
	cfg.MaxPeersPerRoom = envInt("ROOMDROP_MAX_PEERS_PER_ROOM", cfg.MaxPeersPerRoom)
	cfg.MaxMessageBytes = envInt("ROOMDROP_MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	cfg.WSMsgsPerSec = envInt("ROOMDROP_WS_MSGS_PER_SEC", cfg.WSMsgsPerSec)
	return cfg
}

// BindFlags registers server flags on fs. Flags override the values already in cfg.
func (cfg *ServerConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.RoomTTL, "room-ttl", cfg.RoomTTL, "how long an empty room is kept")
	fs.IntVar(&cfg.MaxRooms, "max-rooms", cfg.MaxRooms, "max concurrent rooms (0 disables)")
	fs.IntVar(&cfg.MaxPeersPerRoom, "max-peers-per-room", cfg.MaxPeersPerRoom, "max peers in one room (0 disables)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.WSConnectsPerMin, "ws-connects-per-min", cfg.WSConnectsPerMin, "max websocket connects per minute per IP (0 disables)")
	fs.IntVar(&cfg.WSConnectsBurst, "ws-connects-burst", cfg.WSConnectsBurst, "burst websocket connects per IP")
	fs.IntVar(&cfg.WSMsgsPerSec, "ws-msgs-per-sec", cfg.WSMsgsPerSec, "max websocket messages per second per connection (0 disables)")
	fs.IntVar(&cfg.WSMsgsBurst, "ws-msgs-burst", cfg.WSMsgsBurst, "burst websocket messages per connection")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "websocket idle timeout (0 disables)")
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(pflag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// DefaultClientConfig returns client defaults overridden by ROOMDROP_* environment variables.
func DefaultClientConfig() ClientConfig {
	cfg := ClientConfig{
		ServerURL:   "http://localhost:8080",
		LogLevel:    "info",
		LogFile:     filepath.Join(os.TempDir(), "roomdrop.log"),
		OutDir:      ".",
		ChunkDelay:  5 * time.Millisecond,
		MaxFileSize: 512 << 20,
		AIURL:       "https://api.openai.com/v1/chat/completions",
		AIModel:     "gpt-4o",
	}

	if serverURL := os.Getenv("ROOMDROP_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("ROOMDROP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if outDir := os.Getenv("ROOMDROP_OUT_DIR"); outDir != "" {
		cfg.OutDir = outDir
	}
	if stun := os.Getenv("ROOMDROP_STUN_SERVERS"); stun != "" {
		cfg.StunServers = splitList(stun)
	}
	cfg.ChunkDelay = envDuration("ROOMDROP_CHUNK_DELAY", cfg.ChunkDelay)
	cfg.MaxFileSize = envInt64("ROOMDROP_MAX_FILE_SIZE", cfg.MaxFileSize)
	if aiURL := os.Getenv("ROOMDROP_AI_URL"); aiURL != "" {
		cfg.AIURL = aiURL
	}
	if aiModel := os.Getenv("ROOMDROP_AI_MODEL"); aiModel != "" {
		cfg.AIModel = aiModel
	}
	cfg.AIKey = os.Getenv("OPENAI_API_KEY")
	return cfg
}

// BindFlags registers client flags on fs. Flags override the values already in cfg.
// The AI key is environment-only so it never shows up in process listings.
func (cfg *ClientConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "rendezvous server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file path")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory for saved files")
	fs.StringSliceVar(&cfg.StunServers, "stun-server", cfg.StunServers, "STUN server host:port (repeatable, comma-separated)")
	fs.DurationVar(&cfg.ChunkDelay, "chunk-delay", cfg.ChunkDelay, "pause between file chunks")
	fs.Int64Var(&cfg.MaxFileSize, "max-file-size", cfg.MaxFileSize, "largest incoming file in bytes")
	fs.StringVar(&cfg.AIURL, "ai-url", cfg.AIURL, "chat completions endpoint for file summaries")
	fs.StringVar(&cfg.AIModel, "ai-model", cfg.AIModel, "model used for file summaries")
}

// Validate checks the fields the client cannot run without.
func (cfg ClientConfig) Validate() error {
	if cfg.ServerURL == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if cfg.ChunkDelay < 0 {
		return errors.New("chunk delay must not be negative")
	}
	if cfg.MaxFileSize <= 0 {
		return errors.New("max file size must be positive")
	}
	return nil
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	return cfg, cfg.Validate()
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
