package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts ...Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// EnvironmentValues returns the effective environment after applying the same precedence as
// Load (dotenv < OS env < explicit env map) so callers can build dependencies before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	env, err := newEnvSource(newLoaderOptions(opts...))
	if err != nil {
		return nil, err
	}
	return env.flatten(), nil
}

// envSource layers configuration sources. Earlier layers win.
type envSource struct {
	layers []map[string]string
}

func newEnvSource(options loaderOptions) (envSource, error) {
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return envSource{}, err
	}
	var layers []map[string]string
	if options.envMap != nil {
		layers = append(layers, options.envMap)
	}
	if options.useSystemEnv {
		layers = append(layers, systemEnv())
	}
	if dotEnv != nil {
		layers = append(layers, dotEnv)
	}
	return envSource{layers: layers}, nil
}

func (s envSource) lookup(key string) (string, bool) {
	for _, layer := range s.layers {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

func (s envSource) flatten() map[string]string {
	out := make(map[string]string)
	for i := len(s.layers) - 1; i >= 0; i-- {
		for key, value := range s.layers[i] {
			out[key] = value
		}
	}
	return out
}

func (s envSource) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (s envSource) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func (s envSource) integer(key string, fallback int) int {
	if value, ok := s.lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s envSource) boolean(key string, fallback bool) bool {
	if value, ok := s.lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func (s envSource) csv(key string) []string {
	raw, _ := s.lookup(key)
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func systemEnv() map[string]string {
	values := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		values[strings.TrimSpace(key)] = value
	}
	return values
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
