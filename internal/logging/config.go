package logging

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

const envconfigPrefix = "LOG"

// Level is a logging level.
type Level int32

const (
	// LevelDebug enables everything.
	LevelDebug Level = iota
	// LevelInfo is the default level.
	LevelInfo
	// LevelWarning suppresses informational entries.
	LevelWarning
	// LevelError suppresses everything but errors.
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug:   "debug",
	LevelInfo:    "info",
	LevelWarning: "warning",
	LevelError:   "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLevel returns the Level with the provided name. Matching is
// case-insensitive and "warn" is accepted as an alias for "warning".
func ParseLevel(name string) (Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warn" {
		return LevelWarning, nil
	}
	for level, levelName := range levelNames {
		if levelName == name {
			return level, nil
		}
	}
	return LevelInfo, errors.Errorf("unknown log level %q", name)
}

// Decode implements envconfig.Decoder.
func (l *Level) Decode(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// Config represents logging configuration.
type Config struct {
	// Level is the minimum level of entries to emit.
	Level Level `envconfig:"LEVEL" default:"info"`
	// Dir is the directory glog writes log files into. A leading "~" is
	// expanded to the user's home directory. If empty, glog's default (the OS
	// temp directory) is used.
	Dir string `envconfig:"DIR"`
	// ToStderr sends all entries to stderr instead of log files.
	ToStderr bool `envconfig:"TO_STDERR" default:"true"`
	// AlsoToStderr sends entries to stderr in addition to log files.
	AlsoToStderr bool `envconfig:"ALSO_TO_STDERR"`
	// Verbosity sets glog's V level. If unset, it is derived from Level.
	Verbosity *int `envconfig:"VERBOSITY"`
}

// NewConfigWithDefaults returns a Config object with default values already
// applied. Callers are then free to set custom values for the remaining fields
// and/or override default values.
func NewConfigWithDefaults() Config {
	return Config{
		Level:    LevelInfo,
		ToStderr: true,
	}
}

// GetConfigFromEnvironment returns configuration derived from environment
// variables
func GetConfigFromEnvironment() (Config, error) {
	c := NewConfigWithDefaults()
	err := envconfig.Process(envconfigPrefix, &c)
	return c, errors.Wrap(err, "error getting logging configuration from environment")
}

// Setup applies the configuration to glog and to loggers returned by New.
func Setup(c Config) error {
	if c.Dir != "" {
		dir, err := homedir.Expand(c.Dir)
		if err != nil {
			return errors.Wrapf(err, "error expanding log directory %q", c.Dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "error creating log directory %q", dir)
		}
		if err := setFlag("log_dir", dir); err != nil {
			return err
		}
	}
	if err := setFlag("logtostderr", strconv.FormatBool(c.ToStderr)); err != nil {
		return err
	}
	if err :=
		setFlag("alsologtostderr", strconv.FormatBool(c.AlsoToStderr)); err != nil {
		return err
	}
	verbosity := 0
	if c.Level == LevelDebug {
		verbosity = 1
	}
	if c.Verbosity != nil {
		verbosity = *c.Verbosity
	}
	if err := setFlag("v", strconv.Itoa(verbosity)); err != nil {
		return err
	}
	if err := setFlag("stderrthreshold", stderrThreshold(c.Level)); err != nil {
		return err
	}
	SetLevel(c.Level)
	// glog complains about every entry logged before flags are parsed.
	if !flag.Parsed() {
		_ = flag.CommandLine.Parse([]string{})
	}
	return nil
}

func stderrThreshold(level Level) string {
	switch level {
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func setFlag(name, value string) error {
	return errors.Wrapf(
		flag.Set(name, value),
		"error setting glog flag %q to %q",
		name,
		value,
	)
}
