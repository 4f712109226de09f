package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/procflow/types"
)

// =============================================================================
// 具名函数注册表
// =============================================================================

// FuncRegistry 将文档中的 guard/action 名称解析为函数
type FuncRegistry struct {
	mu      sync.RWMutex
	guards  map[string]GuardFunc
	actions map[string]ActionFunc
}

// NewFuncRegistry 创建函数注册表
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{
		guards:  make(map[string]GuardFunc),
		actions: make(map[string]ActionFunc),
	}
}

// RegisterGuard 注册具名守卫
func (r *FuncRegistry) RegisterGuard(name string, fn GuardFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = fn
}

// RegisterAction 注册具名动作
func (r *FuncRegistry) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Guard looks up a guard by name.
func (r *FuncRegistry) Guard(name string) (GuardFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.guards[name]
	return fn, ok
}

// Action looks up an action by name.
func (r *FuncRegistry) Action(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// =============================================================================
// 文档格式
// =============================================================================

// Sources 转换源状态，序列化时单个状态写成标量
type Sources []string

// MarshalJSON implements json.Marshaler.
func (s Sources) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// UnmarshalJSON accepts either a string or a list of strings.
func (s *Sources) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = Sources{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("from must be a state name or a list of state names: %w", err)
	}
	*s = list
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Sources) MarshalYAML() (any, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	return []string(s), nil
}

// UnmarshalYAML accepts either a scalar or a sequence.
func (s *Sources) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = Sources{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("from must be a state name or a list of state names: %w", err)
	}
	*s = list
	return nil
}

// TransitionDocument 转换的序列化形式
type TransitionDocument struct {
	From   Sources `json:"from,omitempty" yaml:"from,omitempty"`
	To     string  `json:"to" yaml:"to"`
	On     string  `json:"on" yaml:"on"`
	Guard  string  `json:"guard,omitempty" yaml:"guard,omitempty"`
	Action string  `json:"action,omitempty" yaml:"action,omitempty"`
}

// StateDocument 状态的序列化形式，只有名称时可写成标量
type StateDocument struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Final       bool                 `json:"final,omitempty" yaml:"final,omitempty"`
	Transitions []TransitionDocument `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (s StateDocument) plain() bool {
	return s.Description == "" && !s.Final && len(s.Transitions) == 0 && len(s.Metadata) == 0
}

// MarshalJSON implements json.Marshaler.
func (s StateDocument) MarshalJSON() ([]byte, error) {
	if s.plain() {
		return json.Marshal(s.Name)
	}
	type alias StateDocument
	return json.Marshal(alias(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StateDocument) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = StateDocument{Name: name}
		return nil
	}
	type alias StateDocument
	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	*s = StateDocument(aux)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s StateDocument) MarshalYAML() (any, error) {
	if s.plain() {
		return s.Name, nil
	}
	type alias StateDocument
	return alias(s), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StateDocument) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = StateDocument{Name: node.Value}
		return nil
	}
	type alias StateDocument
	var aux alias
	if err := node.Decode(&aux); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	*s = StateDocument(aux)
	return nil
}

// Document 流程定义的 JSON/YAML 形式
type Document struct {
	ID           string               `json:"id" yaml:"id"`
	Name         string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string               `json:"description,omitempty" yaml:"description,omitempty"`
	Version      string               `json:"version,omitempty" yaml:"version,omitempty"`
	InitialState string               `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
	States       []StateDocument      `json:"states" yaml:"states"`
	Transitions  []TransitionDocument `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Metadata     map[string]any       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Config 将文档转换为 Config，具名 guard/action 从 reg 解析
func (d Document) Config(reg *FuncRegistry) (Config, error) {
	cfg := Config{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		Version:      d.Version,
		InitialState: d.InitialState,
		Metadata:     d.Metadata,
	}
	for _, s := range d.States {
		// 名称按文档顺序进入 States，保持状态声明顺序
		cfg.States = append(cfg.States, s.Name)
		if s.plain() {
			continue
		}
		desc := StateDescriptor{
			Name:        s.Name,
			Description: s.Description,
			Final:       s.Final,
			Metadata:    s.Metadata,
		}
		for _, td := range s.Transitions {
			t, err := td.transition(d.ID, reg)
			if err != nil {
				return Config{}, err
			}
			desc.Transitions = append(desc.Transitions, t)
		}
		cfg.StateDescriptors = append(cfg.StateDescriptors, desc)
	}
	for _, td := range d.Transitions {
		t, err := td.transition(d.ID, reg)
		if err != nil {
			return Config{}, err
		}
		cfg.Transitions = append(cfg.Transitions, t)
	}
	return cfg, nil
}

func (td TransitionDocument) transition(processID string, reg *FuncRegistry) (Transition, error) {
	t := Transition{
		From:       []string(td.From),
		To:         td.To,
		On:         td.On,
		GuardName:  td.Guard,
		ActionName: td.Action,
	}
	if td.Guard != "" {
		fn, ok := lookupGuard(reg, td.Guard)
		if !ok {
			return Transition{}, types.NewValidationError("process %q: unknown guard %q", processID, td.Guard)
		}
		t.Guard = fn
	}
	if td.Action != "" {
		fn, ok := lookupAction(reg, td.Action)
		if !ok {
			return Transition{}, types.NewValidationError("process %q: unknown action %q", processID, td.Action)
		}
		t.Action = fn
	}
	return t, nil
}

func lookupGuard(reg *FuncRegistry, name string) (GuardFunc, bool) {
	if reg == nil {
		return nil, false
	}
	return reg.Guard(name)
}

func lookupAction(reg *FuncRegistry, name string) (ActionFunc, bool) {
	if reg == nil {
		return nil, false
	}
	return reg.Action(name)
}

// Build 解析并校验文档
func (d Document) Build(reg *FuncRegistry) (*Definition, error) {
	cfg, err := d.Config(reg)
	if err != nil {
		return nil, err
	}
	return Define(cfg)
}

// ToDocument 将定义转换回文档。
// 由状态描述派生的转换写回 transitions 列表，匿名 guard/action 无法序列化会被省略。
func ToDocument(def *Definition) Document {
	doc := Document{
		ID:           def.id,
		Name:         def.name,
		Description:  def.description,
		Version:      def.version,
		InitialState: def.initialState,
		Metadata:     def.Metadata(),
	}
	if doc.Name == doc.ID {
		doc.Name = ""
	}
	for _, name := range def.states {
		sd := StateDocument{Name: name}
		if desc, ok := def.descriptors[name]; ok {
			sd.Description = desc.Description
			sd.Final = desc.Final
			sd.Metadata = desc.Metadata
		}
		doc.States = append(doc.States, sd)
	}
	for _, t := range def.transitions {
		doc.Transitions = append(doc.Transitions, TransitionDocument{
			From:   Sources(t.From),
			To:     t.To,
			On:     t.On,
			Guard:  t.GuardName,
			Action: t.ActionName,
		})
	}
	return doc
}

// =============================================================================
// 编解码入口
// =============================================================================

// ParseJSON decodes a JSON document.
func ParseJSON(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to unmarshal process document from JSON: %w", err)
	}
	return doc, nil
}

// ParseYAML decodes a YAML document.
func ParseYAML(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to unmarshal process document from YAML: %w", err)
	}
	return doc, nil
}

// ToJSON 序列化为缩进 JSON
func (d Document) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process document to JSON: %w", err)
	}
	return data, nil
}

// ToYAML 序列化为 YAML
func (d Document) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process document to YAML: %w", err)
	}
	return data, nil
}

// LoadDocumentFile 按扩展名（.json / .yaml / .yml）读取文档
func LoadDocumentFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read process document: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Document{}, fmt.Errorf("unsupported process document extension %q", filepath.Ext(path))
	}
}

// LoadDir 读取目录下全部流程文档并构建定义，按文件名排序
func LoadDir(dir string, reg *FuncRegistry) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		doc, err := LoadDocumentFile(path)
		if err != nil {
			return nil, err
		}
		def, err := doc.Build(reg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
