// Package config loads the daemon's declarative configuration: global
// settings plus a directory of per-service unit files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/bun-bm2/bm2/internal/detector"
	"github.com/bun-bm2/bm2/internal/process"
)

// Config is the daemon-level configuration, typically loaded from
// $HOME/.bm2/config.yaml (or --config).
type Config struct {
	Home              string   `mapstructure:"home"`               // override for $HOME/.bm2
	UseOSEnv          bool     `mapstructure:"use_os_env"`         // inject the daemon's own environment into every child
	Env               []string `mapstructure:"env"`                // additional KEY=VALUE global env
	ProgramsDirectory string   `mapstructure:"programs_directory"` // directory of per-service unit files, default "programs" next to the config file

	// Inline service declarations.
	Processes []ProcessConfig `mapstructure:"processes"`

	// Computed fields.
	GlobalEnv []string
	Specs     []process.Spec

	configPath string
}

// ProcessConfig is one declared service entry: a discriminated union kept
// for forward compatibility with non-process unit kinds, though "process"
// is presently the only kind the registry accepts directly (cron recycling
// is a field on ServiceSpec, not a separate unit kind).
type ProcessConfig struct {
	Type string         `mapstructure:"type"` // "process" (default)
	Spec map[string]any `mapstructure:"spec"`
}

func decodeTo[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// defaultKillTimeout applies when a config entry omits kill_timeout
// entirely. An explicit "kill_timeout: 0" is left alone (it means escalate
// to SIGKILL immediately), which is why this checks map key presence
// rather than the decoded zero value.
const defaultKillTimeout = 5 * time.Second

// instancesMaxSentinel lets config authors write `instances: max` as a
// synonym for -1 (host logical CPU count), resolved by the registry.
const instancesMaxSentinel = -1

// DecodeSpec decodes a raw {name, command, ...} map into a process.Spec,
// applying the same instances=max and memory_cap unit preprocessing as
// config file loading. Used by the IPC server to decode a wire-level
// ServiceSpec the same way a programs-directory unit file is decoded.
func DecodeSpec(raw map[string]any) (process.Spec, error) {
	return decodeProcessEntry(ProcessConfig{Type: "process", Spec: raw}, "ipc request")
}

func decodeProcessEntry(pc ProcessConfig, ctx string) (process.Spec, error) {
	var zero process.Spec
	typ := strings.ToLower(strings.TrimSpace(pc.Type))
	switch typ {
	case "", "process":
		if v, ok := pc.Spec["instances"]; ok {
			if str, ok := v.(string); ok && strings.EqualFold(strings.TrimSpace(str), "max") {
				pc.Spec["instances"] = instancesMaxSentinel
			}
		}
		if v, ok := pc.Spec["memory_cap"]; ok {
			if str, ok := v.(string); ok {
				bytes, err := process.ParseMemory(str)
				if err != nil {
					return zero, fmt.Errorf("%s: memory_cap: %w", ctx, err)
				}
				pc.Spec["memory_cap"] = bytes
			}
		}
		sp, err := decodeTo[process.Spec](pc.Spec)
		if err != nil {
			return zero, fmt.Errorf("decode service spec in %s: %w", ctx, err)
		}
		if strings.TrimSpace(sp.Name) == "" {
			return zero, fmt.Errorf("%s: service requires name", ctx)
		}
		if strings.TrimSpace(sp.Command) == "" {
			return zero, fmt.Errorf("%s: service %q requires command", ctx, sp.Name)
		}
		if _, ok := pc.Spec["kill_timeout"]; !ok {
			sp.KillTimeout = defaultKillTimeout
		}
		return sp, nil
	default:
		return zero, fmt.Errorf("%s: unknown process type %q (allowed: process)", ctx, pc.Type)
	}
}

// LoadConfig parses configPath and the programs directory next to it, and
// resolves the merged global environment.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}

	if err := parseConfigFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Specs = make([]process.Spec, 0, len(cfg.Processes))
	for _, pc := range cfg.Processes {
		sp, err := decodeProcessEntry(pc, "inline processes")
		if err != nil {
			return nil, err
		}
		if err := convertDetectorConfigs(&sp); err != nil {
			return nil, fmt.Errorf("failed to convert detectors for service %s: %w", sp.Name, err)
		}
		cfg.Specs = append(cfg.Specs, sp)
	}

	programsDir := cfg.ProgramsDirectory
	if programsDir == "" {
		programsDir = "programs"
	}
	if !filepath.IsAbs(programsDir) {
		programsDir = filepath.Join(filepath.Dir(configPath), programsDir)
	}
	specs, err := loadProgramEntries(programsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load programs from %s: %w", programsDir, err)
	}
	for i := range specs {
		if err := convertDetectorConfigs(&specs[i]); err != nil {
			return nil, fmt.Errorf("failed to convert detectors for service %s: %w", specs[i].Name, err)
		}
	}
	cfg.Specs = append(cfg.Specs, specs...)

	cfg.GlobalEnv = computeGlobalEnv(cfg.UseOSEnv, cfg.Env)

	return cfg, nil
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// loadProgramEntries loads {type, spec} unit files from programsDir.
// Supported extensions: yaml, yml, json, toml. A missing directory is not
// an error (there simply are no declared programs).
func loadProgramEntries(programsDir string) ([]process.Spec, error) {
	infos, err := os.ReadDir(programsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	exts := map[string]struct{}{".toml": {}, ".yaml": {}, ".yml": {}, ".json": {}}

	var specs []process.Spec
	for _, de := range infos {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := exts[ext]; !ok {
			continue
		}

		full := filepath.Join(programsDir, name)
		v := viper.New()
		v.SetConfigFile(full)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", full, err)
		}

		var pc ProcessConfig
		if err := v.Unmarshal(&pc); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", full, err)
		}

		sp, err := decodeProcessEntry(pc, full)
		if err != nil {
			return nil, err
		}
		specs = append(specs, sp)
	}
	return specs, nil
}

func computeGlobalEnv(useOSEnv bool, env []string) []string {
	envMap := make(map[string]string)
	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}
	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}

// convertDetectorConfigs converts declared DetectorConfig entries into live
// detector.Detector values.
func convertDetectorConfigs(spec *process.Spec) error {
	if len(spec.DetectorConfigs) == 0 {
		return nil
	}
	spec.Detectors = make([]detector.Detector, len(spec.DetectorConfigs))
	for i, dc := range spec.DetectorConfigs {
		switch dc.Type {
		case "pidfile":
			if dc.Path == "" {
				return fmt.Errorf("pidfile detector requires 'path' field")
			}
			spec.Detectors[i] = &detector.PIDFileDetector{PIDFile: dc.Path}
		case "command":
			if dc.Command == "" {
				return fmt.Errorf("command detector requires 'command' field")
			}
			spec.Detectors[i] = &detector.CommandDetector{Command: dc.Command}
		default:
			return fmt.Errorf("unknown detector type: %s", dc.Type)
		}
	}
	return nil
}
