package manifest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const defaultKey = "eticad"

// Preset 描述一份内置清单：按顺序预缓存的路径与对应的缓存代号。
type Preset struct {
	Key         string
	Description string
	Generation  string
	Assets      []string
}

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	presets map[string]Preset
}

func newRegistry() *registry {
	return &registry{presets: make(map[string]Preset)}
}

// DefaultKey 返回未显式配置清单时使用的预设键。
func DefaultKey() string {
	return defaultKey
}

// Register 将预设加入全局注册表，重复键会返回错误。
func Register(p Preset) error {
	return globalRegistry.register(p)
}

// MustRegister 在注册失败时 panic，适合在 init() 中调用。
func MustRegister(p Preset) {
	if err := Register(p); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的预设，Assets 为副本。
func Resolve(key string) (Preset, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的预设列表。
func List() []Preset {
	return globalRegistry.list()
}

// Keys 返回所有已注册预设的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, p := range items {
		result[i] = p.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(p Preset) error {
	key := normalizeKey(p.Key)
	if key == "" {
		return fmt.Errorf("manifest key is required")
	}
	if strings.TrimSpace(p.Generation) == "" {
		return fmt.Errorf("manifest %s: generation is required", key)
	}
	if len(p.Assets) == 0 {
		return fmt.Errorf("manifest %s: assets are required", key)
	}
	p.Key = key
	p.Assets = append([]string(nil), p.Assets...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.presets[key]; exists {
		return fmt.Errorf("manifest %s already registered", key)
	}
	r.presets[key] = p
	return nil
}

func (r *registry) resolve(key string) (Preset, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Preset{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.presets[normalized]
	if !ok {
		return Preset{}, false
	}
	p.Assets = append([]string(nil), p.Assets...)
	return p, true
}

func (r *registry) list() []Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.presets) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.presets))
	for key := range r.presets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Preset, 0, len(keys))
	for _, key := range keys {
		p := r.presets[key]
		p.Assets = append([]string(nil), p.Assets...)
		result = append(result, p)
	}
	return result
}
