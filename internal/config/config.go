package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/edirooss/mswitch-server/pkg/avurl"
	"gopkg.in/yaml.v3"
)

// Hard limits and defaults. These mirror the long-standing operational
// defaults of the switcher; changing them changes failover behavior for
// every deployment that doesn't pin its own values.
const (
	MaxSources = 10

	DefaultBufferMS             = 800
	DefaultHealthWindowMS       = 5000
	DefaultStalenessTimeoutMS   = 2000
	DefaultCCErrorsPerSec       = 5
	DefaultPacketLossPercent    = 2.0
	DefaultPacketLossWindowSec  = 10
	DefaultFreezeOnCutMS        = 2000
	DefaultControlPort          = 8099
	DefaultRestartCooldown      = 2 * time.Second
	DefaultSubprocessRestartMax = 10
)

// SwitchMode selects the commit protocol used when changing the active source.
type SwitchMode string

const (
	ModeSeamless SwitchMode = "seamless" // commit on target keyframe
	ModeGraceful SwitchMode = "graceful" // commit on next drain boundary, drop stale buffer
	ModeCutover  SwitchMode = "cutover"  // commit immediately
)

// ParseSwitchMode validates a mode string from a control-plane request.
func ParseSwitchMode(s string) (SwitchMode, error) {
	switch SwitchMode(strings.ToLower(s)) {
	case ModeSeamless:
		return ModeSeamless, nil
	case ModeGraceful:
		return ModeGraceful, nil
	case ModeCutover:
		return ModeCutover, nil
	}
	return "", fmt.Errorf("unknown switch mode %q", s)
}

// IngestMode controls whether non-active sources are continuously buffered.
type IngestMode string

const (
	IngestHot     IngestMode = "hot"     // all sources read and inspected at all times
	IngestStandby IngestMode = "standby" // non-active sources probed but not buffered
)

// RevertPolicy controls behavior after an automatic failover.
type RevertPolicy string

const (
	RevertAuto   RevertPolicy = "auto"
	RevertManual RevertPolicy = "manual"
)

// OnCutPolicy selects the filler emitted while the output has nothing live to carry.
type OnCutPolicy string

const (
	OnCutFreeze OnCutPolicy = "freeze" // emit nothing; downstream decoder holds last frame
	OnCutBlack  OnCutPolicy = "black"  // emit TS null packets as blank filler
)

// Source describes one configured upstream feed.
//
// URL forms:
//   - "udp://host:port"          network ingest
//   - "file:path" or plain path  file ingest
//   - "spawn:<argv...>"          locally spawned generator writing MPEG-TS to
//     udp://127.0.0.1:<base_udp_port+index>
type Source struct {
	ID   string `json:"id" yaml:"id"`     // s0, s1, ...
	URL  string `json:"url" yaml:"url"`   //
	Name string `json:"name" yaml:"name"` // optional human-readable label
}

// HealthThresholds are the per-source failure detection knobs.
type HealthThresholds struct {
	StalenessTimeoutMS  int     `json:"stream_loss_ms" yaml:"stream_loss_ms"`                 // no packet for this long => Failed
	CCErrorsPerSec      int     `json:"cc_errors_per_sec" yaml:"cc_errors_per_sec"`           //
	PacketLossPercent   float64 `json:"packet_loss_percent" yaml:"packet_loss_percent"`       //
	PacketLossWindowSec int     `json:"packet_loss_window_sec" yaml:"packet_loss_window_sec"` //
}

// AutoFailover enables health-driven switching away from a failed active source.
type AutoFailover struct {
	Enable     bool             `json:"enable" yaml:"enable"`
	Thresholds HealthThresholds `json:"thresholds" yaml:"thresholds"`
}

// Revert controls automatic switch-back once the original source recovers.
type Revert struct {
	Policy         RevertPolicy `json:"policy" yaml:"policy"`
	HealthWindowMS int          `json:"health_window_ms" yaml:"health_window_ms"` // sustained-clean duration before a source is trusted again
}

// Webhook configures the HTTP control-plane front door.
type Webhook struct {
	Enable  bool     `json:"enable" yaml:"enable"`
	Port    int      `json:"port" yaml:"port"`
	Methods []string `json:"methods" yaml:"methods"` // switch, health, config
}

// CLI configures the interactive keystroke front door.
type CLI struct {
	Enable bool `json:"enable" yaml:"enable"`
}

// Config is the full, read-only-after-startup configuration surface.
type Config struct {
	Enable       bool         `json:"enable" yaml:"enable"`
	Sources      []Source     `json:"sources" yaml:"sources"`
	IngestMode   IngestMode   `json:"ingest_mode" yaml:"ingest_mode"`
	Mode         SwitchMode   `json:"mode" yaml:"mode"`
	BufferMS     int          `json:"buffer_ms" yaml:"buffer_ms"`
	OnCut        OnCutPolicy  `json:"on_cut" yaml:"on_cut"`
	FreezeOnCut  int          `json:"freeze_on_cut_ms" yaml:"freeze_on_cut_ms"`
	Webhook      Webhook      `json:"webhook" yaml:"webhook"`
	CLI          CLI          `json:"cli" yaml:"cli"`
	AutoFailover AutoFailover `json:"auto_failover" yaml:"auto_failover"`
	Revert       Revert       `json:"revert" yaml:"revert"`

	// Output sink URL: "udp://host:port", "file:path", or "-" for stdout.
	Output string `json:"output" yaml:"output"`

	// Base UDP port for spawned-source loopback ingest; source i listens on base+i.
	BaseUDPPort int `json:"base_udp_port" yaml:"base_udp_port"`

	// Optional redis address for the switch-event mirror; empty disables it.
	RedisAddr string `json:"redis_address" yaml:"redis_address"`
}

// Default returns a Config carrying the stock thresholds and policies.
func Default() Config {
	return Config{
		Enable:      true,
		IngestMode:  IngestHot,
		Mode:        ModeGraceful,
		BufferMS:    DefaultBufferMS,
		OnCut:       OnCutFreeze,
		FreezeOnCut: DefaultFreezeOnCutMS,
		Webhook: Webhook{
			Enable:  true,
			Port:    DefaultControlPort,
			Methods: []string{"switch", "health", "config"},
		},
		AutoFailover: AutoFailover{
			Thresholds: HealthThresholds{
				StalenessTimeoutMS:  DefaultStalenessTimeoutMS,
				CCErrorsPerSec:      DefaultCCErrorsPerSec,
				PacketLossPercent:   DefaultPacketLossPercent,
				PacketLossWindowSec: DefaultPacketLossWindowSec,
			},
		},
		Revert: Revert{
			Policy:         RevertAuto,
			HealthWindowMS: DefaultHealthWindowMS,
		},
		Output:      "-",
		BaseUDPPort: 13000,
	}
}

// Load reads the config file at path. The encoding is chosen by extension:
// .yaml/.yml is parsed as YAML, everything else as JSON. Fields not present
// in the file keep their Default() values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseSources parses the compact "s0=udp://...;s1=file:..." form into Source
// entries. Tokens without '=' are skipped.
func ParseSources(s string) ([]Source, error) {
	var out []Source
	for _, token := range strings.Split(s, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, url, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		if len(out) == MaxSources {
			return nil, fmt.Errorf("too many sources (max %d)", MaxSources)
		}
		out = append(out, Source{ID: id, URL: url, Name: id})
	}
	if len(out) == 0 {
		return nil, errors.New("no valid sources found in sources string")
	}
	return out, nil
}

// ParseThresholds parses the compact "cc_errors_per_sec=5,packet_loss_percent=2"
// form on top of the provided defaults. Unknown keys are ignored.
func ParseThresholds(s string, defaults HealthThresholds) (HealthThresholds, error) {
	th := defaults
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, val, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return th, fmt.Errorf("threshold %s: %w", key, err)
		}
		switch key {
		case "stream_loss":
			th.StalenessTimeoutMS = int(n)
		case "cc_errors_per_sec":
			th.CCErrorsPerSec = int(n)
		case "packet_loss_percent":
			th.PacketLossPercent = n
		case "packet_loss_window_sec":
			th.PacketLossWindowSec = int(n)
		}
	}
	return th, nil
}

// Validate reports the first configuration error. Any error here is fatal at
// startup; nothing else in the process treats configuration as recoverable.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if len(c.Sources) > MaxSources {
		return fmt.Errorf("too many sources: %d (max %d)", len(c.Sources), MaxSources)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.ID == "" {
			src.ID = "s" + strconv.Itoa(i)
		}
		if src.Name == "" {
			src.Name = src.ID
		}
		if src.URL == "" {
			return fmt.Errorf("source %s: url is required", src.ID)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}

		if err := validateOriginURL(src.URL); err != nil {
			return fmt.Errorf("source %s: %w", src.ID, err)
		}
	}

	switch c.Mode {
	case ModeSeamless, ModeGraceful, ModeCutover:
	default:
		return fmt.Errorf("unknown switch mode %q", c.Mode)
	}
	switch c.IngestMode {
	case IngestHot, IngestStandby:
	default:
		return fmt.Errorf("unknown ingest mode %q", c.IngestMode)
	}
	switch c.OnCut {
	case OnCutFreeze, OnCutBlack:
	default:
		return fmt.Errorf("unknown on_cut policy %q", c.OnCut)
	}
	switch c.Revert.Policy {
	case RevertAuto, RevertManual:
	default:
		return fmt.Errorf("unknown revert policy %q", c.Revert.Policy)
	}

	if c.BufferMS <= 0 {
		return fmt.Errorf("buffer_ms must be positive, got %d", c.BufferMS)
	}
	if c.Revert.HealthWindowMS <= 0 {
		return fmt.Errorf("revert.health_window_ms must be positive, got %d", c.Revert.HealthWindowMS)
	}
	th := &c.AutoFailover.Thresholds
	if th.StalenessTimeoutMS <= 0 || th.PacketLossWindowSec <= 0 {
		return errors.New("health thresholds must be positive")
	}
	if c.Webhook.Enable && (c.Webhook.Port <= 0 || c.Webhook.Port > 65535) {
		return fmt.Errorf("webhook port out of range: %d", c.Webhook.Port)
	}
	if c.Output != "" && c.Output != "-" {
		if err := validateOriginURL(c.Output); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	}
	return nil
}

// validateOriginURL checks network origins with the AV URL parser. Spawn
// commands, bare paths, and file: paths carry no authority to validate.
func validateOriginURL(url string) error {
	if strings.HasPrefix(url, "spawn:") || strings.HasPrefix(url, "file:") {
		return nil
	}
	u, err := avurl.Parse(url)
	if err != nil {
		return err
	}
	if u.Schema != "" && u.Host == "" {
		return fmt.Errorf("%s url needs a host", u.Schema)
	}
	return nil
}

// SourceIndex resolves a source id ("s1") or bare index ("1") to its index.
func (c *Config) SourceIndex(id string) (int, bool) {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return i, true
		}
	}
	if n, err := strconv.Atoi(id); err == nil && n >= 0 && n < len(c.Sources) {
		return n, true
	}
	return 0, false
}
