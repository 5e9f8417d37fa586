package spalloc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied by LoadConfig and by zero-valued Config fields.
const (
	// DefaultPort is the TCP port spalloc servers listen on.
	DefaultPort = 22244
	// DefaultKeepalive is how long a job survives without a keepalive.
	DefaultKeepalive = 60 * time.Second
	// DefaultReconnectDelay is the pause between reconnection attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultTimeout bounds each protocol call.
	DefaultTimeout = 5 * time.Second
	// DefaultMinRatio is the squareness constraint LoadConfig starts from.
	DefaultMinRatio = 0.333
)

// Sentinels for duration fields whose zero value already means "use the
// default".
const (
	// NoKeepalive disables the keepalive loop; the job never expires from
	// inactivity.
	NoKeepalive time.Duration = -1
	// NoTimeout disables per-call deadlines; calls block until the server
	// answers.
	NoTimeout time.Duration = -1
)

// Config carries the connection settings and default allocation constraints
// for jobs. The zero value of each field selects the documented default;
// NoKeepalive and NoTimeout select "none" where zero would be ambiguous.
//
// Configs are typically produced by LoadConfig, but a literal works just as
// well:
//
//	cfg := spalloc.Config{Hostname: "spalloc.example.com", Owner: "me@example.com"}
type Config struct {
	// Hostname of the spalloc server. Required.
	Hostname string
	// Port of the spalloc server. Zero selects DefaultPort.
	Port int
	// Owner to create jobs under, by convention an email address. Required
	// when creating jobs.
	Owner string
	// Keepalive is the interval after which the server may destroy a job
	// that has received no keepalive. Zero selects DefaultKeepalive;
	// NoKeepalive requests jobs that never expire.
	Keepalive time.Duration
	// ReconnectDelay is the pause before redialling after a connection
	// fault. Zero selects DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// Timeout bounds each protocol call. Zero selects DefaultTimeout;
	// NoTimeout waits forever.
	Timeout time.Duration
	// Machine pins new jobs to a named machine. Mutually exclusive with
	// Tags.
	Machine string
	// Tags restricts allocation to machines carrying all of these tags.
	Tags []string
	// MinRatio is the minimum height/width ratio allocations must satisfy.
	// Zero imposes no squareness constraint.
	MinRatio float64
	// MaxDeadBoards bounds dead boards in an allocation. Nil allows any
	// number.
	MaxDeadBoards *int
	// MaxDeadLinks bounds dead links in an allocation. Nil allows any
	// number.
	MaxDeadLinks *int
	// RequireTorus requires wrap-around connectivity.
	RequireTorus bool
}

// DefaultSearchPath returns the files LoadConfig reads when given no explicit
// paths, lowest precedence first: a system-wide file, a per-user file, and
// .spalloc in the current directory.
func DefaultSearchPath() []string {
	paths := []string{filepath.Join("/etc/xdg", "spalloc")}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "spalloc"))
	}
	return append(paths, ".spalloc")
}

// configKeys lists every recognised key of the [spalloc] section. Each is
// also overridable through a SPALLOC_<KEY> environment variable.
var configKeys = []string{
	"hostname", "port", "owner", "keepalive", "reconnect_delay", "timeout",
	"machine", "tags", "min_ratio", "max_dead_boards", "max_dead_links",
	"require_torus",
}

// LoadConfig reads INI files with a [spalloc] section, later files overriding
// earlier ones, and returns the merged configuration on top of the defaults.
// Missing files are skipped. The literal value None clears an optional key.
// With no arguments the DefaultSearchPath is read.
func LoadConfig(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = DefaultSearchPath()
	}
	v := viper.New()
	v.SetConfigType("ini")
	for _, p := range paths {
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("spalloc: read config %s: %w", p, err)
		}
	}
	for _, key := range configKeys {
		if err := v.BindEnv("spalloc."+key, "SPALLOC_"+strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("spalloc: bind env for %s: %w", key, err)
		}
	}

	cfg := Config{
		Port:           DefaultPort,
		Keepalive:      DefaultKeepalive,
		ReconnectDelay: DefaultReconnectDelay,
		Timeout:        DefaultTimeout,
		MinRatio:       DefaultMinRatio,
		MaxDeadBoards:  new(int),
	}
	var err error
	if s, ok := lookup(v, "hostname"); ok {
		cfg.Hostname = s
	}
	if s, ok := lookup(v, "port"); ok {
		if cfg.Port, err = strconv.Atoi(s); err != nil {
			return Config{}, fmt.Errorf("spalloc: config port: %w", err)
		}
	}
	if s, ok := lookup(v, "owner"); ok {
		cfg.Owner = s
	}
	if s, ok := lookup(v, "keepalive"); ok {
		if cfg.Keepalive, err = parseSeconds(s, "keepalive", NoKeepalive); err != nil {
			return Config{}, err
		}
	}
	if s, ok := lookup(v, "reconnect_delay"); ok {
		if cfg.ReconnectDelay, err = parseSeconds(s, "reconnect_delay", 0); err != nil {
			return Config{}, err
		}
	}
	if s, ok := lookup(v, "timeout"); ok {
		if cfg.Timeout, err = parseSeconds(s, "timeout", NoTimeout); err != nil {
			return Config{}, err
		}
	}
	if s, ok := lookup(v, "machine"); ok {
		cfg.Machine = s
	}
	if s, ok := lookup(v, "tags"); ok {
		cfg.Tags = nil
		if s != "" {
			for _, tag := range strings.Split(s, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					cfg.Tags = append(cfg.Tags, tag)
				}
			}
		}
	}
	if s, ok := lookup(v, "min_ratio"); ok {
		if cfg.MinRatio, err = strconv.ParseFloat(s, 64); err != nil {
			return Config{}, fmt.Errorf("spalloc: config min_ratio: %w", err)
		}
	}
	if cfg.MaxDeadBoards, err = lookupOptionalInt(v, "max_dead_boards", cfg.MaxDeadBoards); err != nil {
		return Config{}, err
	}
	if cfg.MaxDeadLinks, err = lookupOptionalInt(v, "max_dead_links", nil); err != nil {
		return Config{}, err
	}
	if s, ok := lookup(v, "require_torus"); ok {
		if cfg.RequireTorus, err = strconv.ParseBool(s); err != nil {
			return Config{}, fmt.Errorf("spalloc: config require_torus: %w", err)
		}
	}
	return cfg, nil
}

// lookup fetches one [spalloc] key as a trimmed string, mapping the literal
// None to an empty value.
func lookup(v *viper.Viper, key string) (string, bool) {
	full := "spalloc." + key
	if !v.IsSet(full) {
		return "", false
	}
	s := strings.TrimSpace(v.GetString(full))
	if s == "None" {
		return "", true
	}
	return s, true
}

func lookupOptionalInt(v *viper.Viper, key string, dflt *int) (*int, error) {
	s, ok := lookup(v, key)
	if !ok {
		return dflt, nil
	}
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("spalloc: config %s: %w", key, err)
	}
	return &n, nil
}

// parseSeconds parses a duration given as a decimal number of seconds. An
// empty value (the None literal) yields the none sentinel.
func parseSeconds(s, key string, none time.Duration) (time.Duration, error) {
	if s == "" {
		return none, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("spalloc: config %s: %w", key, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}
