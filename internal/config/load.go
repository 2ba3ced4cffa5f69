package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration parses the Go duration at key. An empty or zero value yields def,
// so def 0 means "unset".
func Duration(key, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", key, d)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// durationKeys lists every duration setting so a bad value fails the load
// with its key instead of surfacing later in a component.
func durationKeys(c *Config) map[string]string {
	return map[string]string{
		"telegram.api_timeout":        c.Telegram.APITimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"scanner.interval":            c.Scanner.Interval,
		"scanner.lease_ttl":           c.Scanner.LeaseTTL,
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay": c.TaskEngine.MaxQueueDelay,
		"delivery.timeout":            c.Delivery.Timeout,
		"api.read_timeout":            c.API.ReadTimeout,
		"api.write_timeout":           c.API.WriteTimeout,
		"api.idempotency_ttl":         c.API.IdempotencyTTL,
	}
}

// decode reads a JSON or YAML (by extension) config strictly: unknown keys and
// trailing documents are errors. Environment overrides apply last.
func decode(path string, raw []byte) (*Config, error) {
	body := raw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var err error
		if body, err = yamlAsJSON(raw); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: trailing data after config", filepath.Base(path))
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	var errs []error
	for key, raw := range durationKeys(&cfg) {
		if _, err := Duration(key, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// yamlAsJSON re-encodes YAML as JSON so both formats share one strict
// decoder and the json struct tags.
func yamlAsJSON(raw []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc.Kind == 0 {
		return []byte("{}"), nil
	}
	v, err := nodeValue(&doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return map[string]any{}, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		explicit := map[string]bool{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			v, err := nodeValue(val)
			if err != nil {
				return nil, err
			}
			if key.Tag == "!!merge" {
				if err := mergeInto(m, explicit, v); err != nil {
					return nil, fmt.Errorf("yaml line %d: %w", key.Line, err)
				}
				continue
			}
			m[key.Value] = v
			explicit[key.Value] = true
		}
		return m, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// mergeInto applies a "<<" merge value. Keys set explicitly in the mapping
// win over merged ones.
func mergeInto(dst map[string]any, explicit map[string]bool, v any) error {
	switch src := v.(type) {
	case map[string]any:
		for k, val := range src {
			if !explicit[k] {
				dst[k] = val
			}
		}
		return nil
	case []any:
		for _, item := range src {
			if err := mergeInto(dst, explicit, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("merge value must be a mapping")
	}
}
