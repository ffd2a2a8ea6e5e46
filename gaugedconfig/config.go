// Package gaugedconfig loads the Engine's configuration: the time grid
// (resolution, block size), the policies governing malformed writes, and
// the store/cache tuning knobs Writer and Context accept. Precedence
// follows the calvinalkan-agent-task pattern this module is grounded on:
// compiled-in defaults, overlaid by an optional JSON-with-comments file,
// overlaid by explicit overrides.
package gaugedconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/nullstream/gauged/gaugederrors"
)

// Config is the Engine's full configuration.
type Config struct {
	Resolution int64 `json:"resolution_ms"`
	BlockSize  int64 `json:"block_size_ms"`

	AppendOnlyPolicy  string `json:"append_only_policy"`  // "error" | "ignore" | "rewrite"
	KeyOverflowPolicy string `json:"key_overflow_policy"` // "error" | "ignore"
	NaNPolicy         string `json:"nan_policy"`          // "error" | "ignore"

	KeyCacheCapacity int           `json:"key_cache_capacity"`
	FlushInterval    time.Duration `json:"flush_interval_ms"`

	MaxLookBehind    int64 `json:"max_look_behind_ms"`
	MaxIntervalSteps int64 `json:"max_interval_steps"`
	MinCacheInterval int64 `json:"min_cache_interval_ms"`
}

// Default returns the compiled-in baseline: a 1s grid in 1h blocks, strict
// (error) policies on every malformed-write condition, a 100k-entry key
// cache, and no periodic flush (callers must Flush explicitly or enable one).
func Default() Config {
	return Config{
		Resolution:        1_000,
		BlockSize:         3_600_000,
		AppendOnlyPolicy:  "error",
		KeyOverflowPolicy: "error",
		NaNPolicy:         "error",
		KeyCacheCapacity:  100_000,
		MaxLookBehind:     86_400_000,
		MaxIntervalSteps:  100_000,
		MinCacheInterval:  60_000,
	}
}

// Load reads path as JSON-with-comments (via hujson.Standardize), overlaying
// non-zero fields onto Default(). A missing file is not an error: Load
// returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("gaugedconfig: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("gaugedconfig: invalid JSONC in %s: %w", path, err)
	}

	var overlay Config
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Config{}, fmt.Errorf("gaugedconfig: invalid config in %s: %w", path, err)
	}

	cfg = merge(cfg, overlay)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Resolution != 0 {
		base.Resolution = overlay.Resolution
	}
	if overlay.BlockSize != 0 {
		base.BlockSize = overlay.BlockSize
	}
	if overlay.AppendOnlyPolicy != "" {
		base.AppendOnlyPolicy = overlay.AppendOnlyPolicy
	}
	if overlay.KeyOverflowPolicy != "" {
		base.KeyOverflowPolicy = overlay.KeyOverflowPolicy
	}
	if overlay.NaNPolicy != "" {
		base.NaNPolicy = overlay.NaNPolicy
	}
	if overlay.KeyCacheCapacity != 0 {
		base.KeyCacheCapacity = overlay.KeyCacheCapacity
	}
	if overlay.FlushInterval != 0 {
		base.FlushInterval = overlay.FlushInterval * time.Millisecond
	}
	if overlay.MaxLookBehind != 0 {
		base.MaxLookBehind = overlay.MaxLookBehind
	}
	if overlay.MaxIntervalSteps != 0 {
		base.MaxIntervalSteps = overlay.MaxIntervalSteps
	}
	if overlay.MinCacheInterval != 0 {
		base.MinCacheInterval = overlay.MinCacheInterval
	}
	return base
}

func validate(cfg Config) error {
	if cfg.Resolution <= 0 {
		return gaugederrors.New(gaugederrors.KindArgument, "gaugedconfig: resolution_ms must be positive")
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize%cfg.Resolution != 0 {
		return gaugederrors.New(gaugederrors.KindArgument, "gaugedconfig: block_size_ms must be a positive multiple of resolution_ms")
	}
	switch cfg.AppendOnlyPolicy {
	case "error", "ignore", "rewrite":
	default:
		return gaugederrors.New(gaugederrors.KindArgument, fmt.Sprintf("gaugedconfig: unknown policy %q", cfg.AppendOnlyPolicy))
	}
	for _, p := range []string{cfg.KeyOverflowPolicy, cfg.NaNPolicy} {
		switch p {
		case "error", "ignore":
		default:
			return gaugederrors.New(gaugederrors.KindArgument, fmt.Sprintf("gaugedconfig: unknown policy %q", p))
		}
	}
	return nil
}

// Policy converts a policy string to gaugederrors.Policy.
func Policy(s string) gaugederrors.Policy {
	switch s {
	case "ignore":
		return gaugederrors.PolicyIgnore
	case "rewrite":
		return gaugederrors.PolicyRewrite
	default:
		return gaugederrors.PolicyError
	}
}
