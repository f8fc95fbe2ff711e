package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"updown/internal/logger"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// instanceConfig 映射 strategies.yaml 中的单个条目。
type instanceConfig struct {
	Kind    string         `yaml:"kind"`
	Enabled *bool          `yaml:"enabled"`
	Params  map[string]any `yaml:"params"`
}

type fileConfig struct {
	Strategies map[string]instanceConfig `yaml:"strategies"`
}

// Registry 持有已注册的策略种类与加载出的实例。
// 配置进程启动时加载一次，之后只读。
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	instances   []Instance
}

func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register 注册一个策略种类。重名注册是编程错误，直接报错。
func (r *Registry) Register(d Descriptor) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("strategy descriptor requires name")
	}
	if d.Build == nil {
		return fmt.Errorf("strategy %s missing build func", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[name]; ok {
		return fmt.Errorf("strategy %s already registered", name)
	}
	r.descriptors[name] = d
	return nil
}

// Load 读取 strategies.yaml，对每个实例的参数做 schema 校验后
// 构建可运行实例。任何一条校验失败都让整个加载失败（fail-closed）。
func (r *Registry) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read strategy config failed: %w", err)
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("parse strategy config failed: %w", err)
	}
	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("strategy config %s defines no strategies", path)
	}

	ids := make([]string, 0, len(cfg.Strategies))
	for id := range cfg.Strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.mu.Lock()
	defer r.mu.Unlock()
	instances := make([]Instance, 0, len(ids))
	for _, id := range ids {
		entry := cfg.Strategies[id]
		kind := strings.TrimSpace(entry.Kind)
		if kind == "" {
			kind = id
		}
		desc, ok := r.descriptors[kind]
		if !ok {
			return fmt.Errorf("unknown strategy kind: %s (instance %s)", kind, id)
		}
		params := sanitizeParams(entry.Params)
		if len(desc.Schema) > 0 {
			compiled, err := compileSchema(desc.Schema)
			if err != nil {
				return fmt.Errorf("compile schema for %s failed: %w", kind, err)
			}
			var toCheck any = map[string]any{}
			if params != nil {
				toCheck = params
			}
			if err := compiled.Validate(toCheck); err != nil {
				return fmt.Errorf("strategy %s params rejected by schema: %w", id, err)
			}
		}
		eval, err := desc.Build(asMap(params))
		if err != nil {
			return fmt.Errorf("build strategy %s failed: %w", id, err)
		}
		disabled := entry.Enabled != nil && !*entry.Enabled
		instances = append(instances, Instance{ID: id, Kind: kind, Eval: eval, Disabled: disabled})
	}
	r.instances = instances
	logger.Infof("✓ 策略注册表加载完成，共 %d 个实例（%s）", len(instances), path)
	return nil
}

// Instances 返回启用的策略实例（ID 升序）。
func (r *Registry) Instances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Disabled {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// sanitizeParams 递归把字符串形式的数字转为 float64，
// 兼容 YAML 里写成 "0.5" 的情况。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// number 从参数 map 里取数值，容忍 int/float/string。
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
