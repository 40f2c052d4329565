// Package transformer runs per-device JavaScript that rewrites vendor payloads
// into the canonical telemetry JSON before validation.
package transformer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/simonair-bridge/config"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/validator"
)

// DefaultKey selects the script used for devices without their own entry.
const DefaultKey = "default"

// Manager holds the loaded transformers keyed by lower-cased device id.
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer wraps one goja runtime and its transform function. A goja
// runtime is not safe for concurrent use, so calls are serialised.
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager compiles every configured script.
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	loaded, err := load(configs)
	if err != nil {
		return nil, err
	}
	return &Manager{transformers: loaded}, nil
}

func load(configs map[string]config.Transformer) (map[string]*Transformer, error) {
	out := make(map[string]*Transformer, len(configs))
	for key, cfg := range configs {
		t, err := fromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer %s: %w", key, err)
		}
		out[strings.ToLower(key)] = t
		logger.Info("loaded transformer for %s", key)
	}
	return out, nil
}

func fromConfig(cfg config.Transformer) (*Transformer, error) {
	scriptCode := cfg.ScriptCode
	if scriptCode == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("neither script_code nor script_path is set")
		}
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(b)
	}
	return newTransformer(scriptCode, cfg.ScriptPath)
}

func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("parseJSON: %v", err)
			return nil
		}
		return data
	})

	// formatTimestamp renders unix milliseconds in the telemetry wire form.
	_ = vm.Set("formatTimestamp", func(millis int64) string {
		return validator.FormatTimestamp(time.UnixMilli(millis))
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("script does not define a transform function")
	}

	return &Transformer{vm: vm, transform: fn, scriptPath: scriptPath}, nil
}

func convertTemperature(value float64, fromUnit, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

// Run calls the script's transform(raw) and encodes its result as JSON. A
// string result is taken to be JSON already.
func (t *Transformer) Run(payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result, err := t.transform(goja.Undefined(), t.vm.ToValue(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, fmt.Errorf("transform returned no value")
	}

	exported := result.Export()
	if s, ok := exported.(string); ok {
		return []byte(s), nil
	}
	out, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encode transform result: %w", err)
	}
	return out, nil
}

func (m *Manager) lookup(deviceID string) *Transformer {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if t, ok := m.transformers[strings.ToLower(deviceID)]; ok {
		return t
	}
	return m.transformers[DefaultKey]
}

// Transform rewrites payload with the device's script, falling back to the
// default script. Payloads with no applicable script pass through unchanged.
func (m *Manager) Transform(deviceID string, payload []byte) ([]byte, error) {
	t := m.lookup(deviceID)
	if t == nil {
		return payload, nil
	}
	out, err := t.Run(payload)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return out, nil
}

// Has reports whether deviceID has a dedicated or default script.
func (m *Manager) Has(deviceID string) bool {
	return m.lookup(deviceID) != nil
}

// ReloadTransformer replaces the script for a single key.
func (m *Manager) ReloadTransformer(key string, cfg config.Transformer) error {
	t, err := fromConfig(cfg)
	if err != nil {
		return fmt.Errorf("reload transformer %s: %w", key, err)
	}

	m.mutex.Lock()
	m.transformers[strings.ToLower(key)] = t
	m.mutex.Unlock()

	logger.Info("reloaded transformer for %s", key)
	return nil
}

// Reload swaps in a complete new set of scripts. On error the current set is
// kept.
func (m *Manager) Reload(configs map[string]config.Transformer) error {
	loaded, err := load(configs)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	m.transformers = loaded
	m.mutex.Unlock()
	return nil
}
