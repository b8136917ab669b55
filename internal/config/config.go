// Package config loads the server configuration from defaults, an
// optional YAML file and FANOUT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// EnvPrefix is prepended to environment variable names, e.g.
// FANOUT_SERVER_HTTP_ADDR.
const EnvPrefix = "FANOUT"

// Config is the complete server configuration.
type Config struct {
	General  General        `mapstructure:"general" yaml:"general"`
	Protocol ProtocolOption `mapstructure:"protocol" yaml:"protocol"`
	Server   Server         `mapstructure:"server" yaml:"server"`
}

// General holds stream-lifecycle settings shared by every stream.
type General struct {
	// StreamNoneReaderDelay is how long a stream counts as consumed after
	// the last positive check.
	StreamNoneReaderDelay time.Duration `mapstructure:"stream_none_reader_delay" yaml:"stream_none_reader_delay"`
	GOPCache              bool          `mapstructure:"gop_cache" yaml:"gop_cache"`
	GOPCacheSize          int           `mapstructure:"gop_cache_size" yaml:"gop_cache_size"`
	EnablePush            bool          `mapstructure:"enable_push" yaml:"enable_push"`
	PollerCount           int           `mapstructure:"poller_count" yaml:"poller_count"`
	// AutoClose removes streams that have had no consumer for
	// StreamNoneReaderDelay.
	AutoClose     bool          `mapstructure:"auto_close" yaml:"auto_close"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ProtocolOption selects the sinks a stream gets and tunes them. Each
// muxer takes its own copy.
type ProtocolOption struct {
	EnableRTMP bool `mapstructure:"enable_rtmp" yaml:"enable_rtmp"`
	EnableRTSP bool `mapstructure:"enable_rtsp" yaml:"enable_rtsp"`
	EnableTS   bool `mapstructure:"enable_ts" yaml:"enable_ts"`
	EnableFMP4 bool `mapstructure:"enable_fmp4" yaml:"enable_fmp4"`
	EnableHLS  bool `mapstructure:"enable_hls" yaml:"enable_hls"`
	EnableMP4  bool `mapstructure:"enable_mp4" yaml:"enable_mp4"`

	EnableAudio  bool `mapstructure:"enable_audio" yaml:"enable_audio"`
	AddMuteAudio bool `mapstructure:"add_mute_audio" yaml:"add_mute_audio"`
	ModifyStamp  bool `mapstructure:"modify_stamp" yaml:"modify_stamp"`

	// MP4AsPlayer counts an active MP4 recording as one viewer.
	MP4AsPlayer  bool   `mapstructure:"mp4_as_player" yaml:"mp4_as_player"`
	MP4SavePath  string `mapstructure:"mp4_save_path" yaml:"mp4_save_path"`
	MP4MaxSecond int    `mapstructure:"mp4_max_second" yaml:"mp4_max_second"`

	HLSSavePath        string        `mapstructure:"hls_save_path" yaml:"hls_save_path"`
	HLSSegmentDuration time.Duration `mapstructure:"hls_segment_duration" yaml:"hls_segment_duration"`
	HLSSegmentCount    int           `mapstructure:"hls_segment_count" yaml:"hls_segment_count"`

	// Demand flags: the sink is only fed while it has readers.
	RTMPDemand bool `mapstructure:"rtmp_demand" yaml:"rtmp_demand"`
	RTSPDemand bool `mapstructure:"rtsp_demand" yaml:"rtsp_demand"`
	TSDemand   bool `mapstructure:"ts_demand" yaml:"ts_demand"`
	FMP4Demand bool `mapstructure:"fmp4_demand" yaml:"fmp4_demand"`
	HLSDemand  bool `mapstructure:"hls_demand" yaml:"hls_demand"`
}

// Server holds listener addresses and TLS material.
type Server struct {
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
	H3Addr   string `mapstructure:"h3_addr" yaml:"h3_addr"`
	SRTAddr  string `mapstructure:"srt_addr" yaml:"srt_addr"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	// DefaultVhost names the vhost of streams published without one.
	DefaultVhost string `mapstructure:"default_vhost" yaml:"default_vhost"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.stream_none_reader_delay", 20*time.Second)
	v.SetDefault("general.gop_cache", true)
	v.SetDefault("general.gop_cache_size", 1024)
	v.SetDefault("general.enable_push", true)
	v.SetDefault("general.poller_count", 4)
	v.SetDefault("general.auto_close", false)
	v.SetDefault("general.sweep_interval", 5*time.Second)

	v.SetDefault("protocol.enable_rtmp", true)
	v.SetDefault("protocol.enable_rtsp", true)
	v.SetDefault("protocol.enable_ts", true)
	v.SetDefault("protocol.enable_fmp4", true)
	v.SetDefault("protocol.enable_hls", false)
	v.SetDefault("protocol.enable_mp4", false)
	v.SetDefault("protocol.enable_audio", true)
	v.SetDefault("protocol.add_mute_audio", false)
	v.SetDefault("protocol.modify_stamp", false)
	v.SetDefault("protocol.mp4_as_player", false)
	v.SetDefault("protocol.mp4_save_path", "./www/record")
	v.SetDefault("protocol.mp4_max_second", 3600)
	v.SetDefault("protocol.hls_save_path", "./www/hls")
	v.SetDefault("protocol.hls_segment_duration", 2*time.Second)
	v.SetDefault("protocol.hls_segment_count", 3)
	v.SetDefault("protocol.rtmp_demand", false)
	v.SetDefault("protocol.rtsp_demand", false)
	v.SetDefault("protocol.ts_demand", false)
	v.SetDefault("protocol.fmp4_demand", false)
	v.SetDefault("protocol.hls_demand", false)

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.h3_addr", ":4443")
	v.SetDefault("server.srt_addr", ":6000")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.default_vhost", "__defaultVhost__")
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults alone always decode.
		panic(err)
	}
	return cfg
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.General.PollerCount < 1:
		return fmt.Errorf("%w: general.poller_count must be at least 1", ErrInvalid)
	case c.General.GOPCacheSize < 1:
		return fmt.Errorf("%w: general.gop_cache_size must be at least 1", ErrInvalid)
	case c.General.StreamNoneReaderDelay < 0:
		return fmt.Errorf("%w: general.stream_none_reader_delay is negative", ErrInvalid)
	case c.Protocol.HLSSegmentCount < 1:
		return fmt.Errorf("%w: protocol.hls_segment_count must be at least 1", ErrInvalid)
	case c.Protocol.HLSSegmentDuration <= 0:
		return fmt.Errorf("%w: protocol.hls_segment_duration must be positive", ErrInvalid)
	case c.Protocol.MP4MaxSecond < 0:
		return fmt.Errorf("%w: protocol.mp4_max_second is negative", ErrInvalid)
	}
	return nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
