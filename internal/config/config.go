package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Synth    SynthConfig   `mapstructure:"synth"`
	Stream   StreamConfig  `mapstructure:"stream"`
	Audio    AudioConfig   `mapstructure:"audio"`
	Server   ServerConfig  `mapstructure:"server"`
	Bus      BusConfig     `mapstructure:"bus"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelPath     string `mapstructure:"model_path"`
	HParamsPath   string `mapstructure:"hparams_path"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type SynthConfig struct {
	Backend       string  `mapstructure:"backend"`
	ExecCommand   string  `mapstructure:"exec_command"`
	BlockSize     int     `mapstructure:"block_size"`
	NoiseScale    float64 `mapstructure:"noise_scale"`
	LengthScale   float64 `mapstructure:"length_scale"`
	NoiseScaleW   float64 `mapstructure:"noise_scale_w"`
	MaxChunkChars int     `mapstructure:"max_chunk_chars"`
	ToneFormat    string  `mapstructure:"tone_format"`

	// Explicit records which scales came from a flag, env var or config
	// file rather than the built-in defaults.
	Explicit ExplicitScales `mapstructure:"-"`
}

type ExplicitScales struct {
	NoiseScale, LengthScale, NoiseScaleW bool
}

type StreamConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	GetTimeout  time.Duration `mapstructure:"get_timeout"`
	StallLimit  int           `mapstructure:"stall_limit"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

type AudioConfig struct {
	SampleRate      int `mapstructure:"sample_rate"`
	Channels        int `mapstructure:"channels"`
	FramesPerBuffer int `mapstructure:"frames_per_buffer"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type BusConfig struct {
	NATSURL        string `mapstructure:"nats_url"`
	SubjectPrefix  string `mapstructure:"subject_prefix"`
	// RequestSubject is subscribed by serve for bus-driven synthesis.
	// Empty disables the subscriber.
	RequestSubject string `mapstructure:"request_subject"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:   "models/vits.onnx",
			HParamsPath: "models/config.json",
		},
		Runtime: RuntimeConfig{
			Threads: 4,
		},
		Synth: SynthConfig{
			Backend:       BackendTone,
			BlockSize:     1024,
			NoiseScale:    0.5,
			LengthScale:   1.0,
			NoiseScaleW:   0.8,
			MaxChunkChars: 200,
			ToneFormat:    "float32",
		},
		Stream: StreamConfig{
			Capacity:    8,
			GetTimeout:  time.Second,
			StallLimit:  0,
			JoinTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:      22050,
			Channels:        1,
			FramesPerBuffer: 1024,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			MaxTextBytes:    4096,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		Bus: BusConfig{
			SubjectPrefix:  "tts.audio",
			RequestSubject: "tts.request",
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to VITS ONNX model")
	fs.String("paths-hparams-path", defaults.Paths.HParamsPath, "Path to model hyper-parameters (config.json)")
	fs.String("paths-tokenizer-path", defaults.Paths.TokenizerPath, "Optional SentencePiece model; symbol table from hparams when empty")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("backend", defaults.Synth.Backend, "Chunk source backend (tone|onnx|exec)")
	fs.String("exec-command", defaults.Synth.ExecCommand, "External engine command line (exec backend)")
	fs.Int("block-size", defaults.Synth.BlockSize, "Samples per emitted chunk")
	fs.Float64("noise-scale", defaults.Synth.NoiseScale, "VITS noise scale")
	fs.Float64("length-scale", defaults.Synth.LengthScale, "VITS length scale (speaking rate)")
	fs.Float64("noise-scale-w", defaults.Synth.NoiseScaleW, "VITS duration predictor noise scale")
	fs.Int("max-chunk-chars", defaults.Synth.MaxChunkChars, "Maximum characters per synthesized segment")
	fs.String("tone-format", defaults.Synth.ToneFormat, "Sample format of the tone backend (int16|float32)")
	fs.Int("capacity", defaults.Stream.Capacity, "Relay buffer depth in chunks")
	fs.Duration("get-timeout", defaults.Stream.GetTimeout, "Consumer wait before re-checking producer state")
	fs.Int("stall-limit", defaults.Stream.StallLimit, "Consecutive empty waits before giving up (0 = unbounded)")
	fs.Duration("join-timeout", defaults.Stream.JoinTimeout, "Time to wait for the producer on close (0 = forever)")
	fs.Int("sample-rate", defaults.Audio.SampleRate, "Output sample rate when the model does not define one")
	fs.Int("channels", defaults.Audio.Channels, "Playback device channels")
	fs.Int("frames-per-buffer", defaults.Audio.FramesPerBuffer, "Playback device buffer size in frames")
	fs.String("listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("workers", defaults.Server.Workers, "Maximum concurrent synthesis requests")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Maximum request text size in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.String("nats-url", defaults.Bus.NATSURL, "NATS server URL for publishing audio chunks (empty = disabled)")
	fs.String("subject-prefix", defaults.Bus.SubjectPrefix, "NATS subject prefix for audio chunks")
	fs.String("request-subject", defaults.Bus.RequestSubject, "NATS subject serve listens on for synthesis requests")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	v.SetEnvPrefix("VITSSTREAM")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "VITSSTREAM_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("vitsstream")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	var fs *pflag.FlagSet
	if opts.Cmd != nil {
		fs = opts.Cmd.Flags()
	}
	cfg.Synth.Explicit = ExplicitScales{
		NoiseScale:  explicit(v, fs, "synth.noise_scale"),
		LengthScale: explicit(v, fs, "synth.length_scale"),
		NoiseScaleW: explicit(v, fs, "synth.noise_scale_w"),
	}

	return cfg, nil
}

// Validate rejects settings that would make a streaming session unusable.
func (c Config) Validate() error {
	var problems []string

	if c.Stream.Capacity < 1 {
		problems = append(problems, fmt.Sprintf("stream.capacity must be >= 1 (got %d)", c.Stream.Capacity))
	}
	if c.Stream.GetTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("stream.get_timeout must be > 0 (got %s)", c.Stream.GetTimeout))
	}
	if c.Stream.StallLimit < 0 {
		problems = append(problems, fmt.Sprintf("stream.stall_limit must be >= 0 (got %d)", c.Stream.StallLimit))
	}
	if c.Stream.JoinTimeout < 0 {
		problems = append(problems, fmt.Sprintf("stream.join_timeout must be >= 0 (got %s)", c.Stream.JoinTimeout))
	}
	if c.Synth.BlockSize < 1 {
		problems = append(problems, fmt.Sprintf("synth.block_size must be >= 1 (got %d)", c.Synth.BlockSize))
	}
	if c.Audio.SampleRate < 1 {
		problems = append(problems, fmt.Sprintf("audio.sample_rate must be >= 1 (got %d)", c.Audio.SampleRate))
	}
	if _, err := NormalizeBackend(c.Synth.Backend); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.hparams_path", c.Paths.HParamsPath)
	v.SetDefault("paths.tokenizer_path", c.Paths.TokenizerPath)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("synth.backend", c.Synth.Backend)
	v.SetDefault("synth.exec_command", c.Synth.ExecCommand)
	v.SetDefault("synth.block_size", c.Synth.BlockSize)
	v.SetDefault("synth.noise_scale", c.Synth.NoiseScale)
	v.SetDefault("synth.length_scale", c.Synth.LengthScale)
	v.SetDefault("synth.noise_scale_w", c.Synth.NoiseScaleW)
	v.SetDefault("synth.max_chunk_chars", c.Synth.MaxChunkChars)
	v.SetDefault("synth.tone_format", c.Synth.ToneFormat)
	v.SetDefault("stream.capacity", c.Stream.Capacity)
	v.SetDefault("stream.get_timeout", c.Stream.GetTimeout)
	v.SetDefault("stream.stall_limit", c.Stream.StallLimit)
	v.SetDefault("stream.join_timeout", c.Stream.JoinTimeout)
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.channels", c.Audio.Channels)
	v.SetDefault("audio.frames_per_buffer", c.Audio.FramesPerBuffer)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("bus.nats_url", c.Bus.NATSURL)
	v.SetDefault("bus.subject_prefix", c.Bus.SubjectPrefix)
	v.SetDefault("bus.request_subject", c.Bus.RequestSubject)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps config keys to the flags registered by RegisterFlags.
var flagKeys = []struct{ key, flag string }{
	{"paths.model_path", "paths-model-path"},
	{"paths.hparams_path", "paths-hparams-path"},
	{"paths.tokenizer_path", "paths-tokenizer-path"},
	{"runtime.threads", "runtime-threads"},
	{"runtime.ort_library_path", "runtime-ort-library-path"},
	{"runtime.ort_version", "runtime-ort-version"},
	{"synth.backend", "backend"},
	{"synth.exec_command", "exec-command"},
	{"synth.block_size", "block-size"},
	{"synth.noise_scale", "noise-scale"},
	{"synth.length_scale", "length-scale"},
	{"synth.noise_scale_w", "noise-scale-w"},
	{"synth.max_chunk_chars", "max-chunk-chars"},
	{"synth.tone_format", "tone-format"},
	{"stream.capacity", "capacity"},
	{"stream.get_timeout", "get-timeout"},
	{"stream.stall_limit", "stall-limit"},
	{"stream.join_timeout", "join-timeout"},
	{"audio.sample_rate", "sample-rate"},
	{"audio.channels", "channels"},
	{"audio.frames_per_buffer", "frames-per-buffer"},
	{"server.listen_addr", "listen-addr"},
	{"server.workers", "workers"},
	{"server.max_text_bytes", "max-text-bytes"},
	{"server.request_timeout", "request-timeout"},
	{"server.shutdown_timeout", "shutdown-timeout"},
	{"bus.nats_url", "nats-url"},
	{"bus.subject_prefix", "subject-prefix"},
	{"bus.request_subject", "request-subject"},
	{"log_level", "log-level"},
}

// bindFlags binds each known flag to its nested key. Flags that were not
// set on the command line do not shadow config file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, f); err != nil {
			return err
		}
	}

	// --ort-lib is a shorthand for --runtime-ort-library-path.
	if f := fs.Lookup("ort-lib"); f != nil && f.Changed {
		v.Set("runtime.ort_library_path", f.Value.String())
	}

	return nil
}

// explicit reports whether key was set by a changed flag, its env var or
// the config file.
func explicit(v *viper.Viper, fs *pflag.FlagSet, key string) bool {
	if fs != nil {
		for _, fk := range flagKeys {
			if fk.key == key && fs.Changed(fk.flag) {
				return true
			}
		}
	}
	env := "VITSSTREAM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if _, ok := os.LookupEnv(env); ok {
		return true
	}

	return v.InConfig(key)
}
