package process

import (
	"context"
	"maps"
	"slices"

	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/types"
)

// AnyState 作为 Transition.From 时匹配任意当前状态
const AnyState = "*"

// GuardFunc 转换守卫。返回 false 或错误时跳过该转换。
type GuardFunc func(ctx context.Context, data map[string]any, evt eventbus.Event) (bool, error)

// ActionFunc 转换动作，在状态变更后调用
type ActionFunc func(ctx context.Context, data map[string]any, evt eventbus.Event) error

// Transition 状态转换规则
type Transition struct {
	From   []string
	To     string
	On     string
	Guard  GuardFunc
	Action ActionFunc

	// GuardName / ActionName 为通过 FuncRegistry 解析的具名函数，序列化时使用
	GuardName  string
	ActionName string
}

// Matches reports whether the transition applies to state.
func (t Transition) Matches(state string) bool {
	for _, from := range t.From {
		if from == AnyState || from == state {
			return true
		}
	}
	return false
}

func (t Transition) clone() Transition {
	t.From = slices.Clone(t.From)
	return t
}

// StateDescriptor 状态描述，可内嵌以该状态为源的转换
type StateDescriptor struct {
	Name        string
	Description string
	Final       bool
	// Transitions 中 From 为空的条目默认以本状态为源
	Transitions []Transition
	Metadata    map[string]any
}

// Config 流程定义输入
type Config struct {
	ID          string
	Name        string
	Description string
	Version     string

	// States 与 StateDescriptors 至少提供其一；同名条目合并
	States           []string
	StateDescriptors []StateDescriptor

	// InitialState 为空时取第一个声明的状态
	InitialState string
	Transitions  []Transition
	Metadata     map[string]any
}

// Definition 校验后的流程定义，创建后不可变
type Definition struct {
	id           string
	name         string
	description  string
	version      string
	states       []string
	descriptors  map[string]StateDescriptor
	initialState string
	transitions  []Transition
	metadata     map[string]any

	// state -> event -> transition 下标（按声明顺序）
	index  map[string]map[string][]int
	events []string
}

// Define 校验配置并返回不可变定义，失败时返回 VALIDATION_ERROR
func Define(cfg Config) (*Definition, error) {
	if cfg.ID == "" {
		return nil, types.NewValidationError("process id is required")
	}

	states, descriptors, err := collectStates(cfg)
	if err != nil {
		return nil, err
	}

	transitions := make([]Transition, 0, len(cfg.Transitions))
	for _, t := range cfg.Transitions {
		transitions = append(transitions, t.clone())
	}
	for _, name := range states {
		desc, ok := descriptors[name]
		if !ok {
			continue
		}
		for _, t := range desc.Transitions {
			t = t.clone()
			if len(t.From) == 0 {
				t.From = []string{name}
			}
			transitions = append(transitions, t)
		}
	}
	if len(transitions) == 0 {
		return nil, types.NewValidationError("process %q: at least one transition is required", cfg.ID)
	}

	known := make(map[string]struct{}, len(states))
	for _, s := range states {
		known[s] = struct{}{}
	}

	for i, t := range transitions {
		if err := validateTransition(cfg.ID, i, t, known); err != nil {
			return nil, err
		}
	}

	index, err := buildIndex(cfg.ID, states, transitions)
	if err != nil {
		return nil, err
	}

	initial := cfg.InitialState
	if initial == "" {
		initial = states[0]
	} else if _, ok := known[initial]; !ok {
		return nil, types.NewValidationError("process %q: initial state %q is not defined", cfg.ID, initial)
	}

	var events []string
	seen := make(map[string]struct{})
	for _, t := range transitions {
		if _, ok := seen[t.On]; ok {
			continue
		}
		seen[t.On] = struct{}{}
		events = append(events, t.On)
	}

	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}

	return &Definition{
		id:           cfg.ID,
		name:         name,
		description:  cfg.Description,
		version:      cfg.Version,
		states:       states,
		descriptors:  descriptors,
		initialState: initial,
		transitions:  transitions,
		metadata:     maps.Clone(cfg.Metadata),
		index:        index,
		events:       events,
	}, nil
}

func collectStates(cfg Config) ([]string, map[string]StateDescriptor, error) {
	var states []string
	seen := make(map[string]struct{})

	for _, s := range cfg.States {
		if err := checkStateName(cfg.ID, s); err != nil {
			return nil, nil, err
		}
		if _, dup := seen[s]; dup {
			return nil, nil, types.NewValidationError("process %q: duplicate state %q", cfg.ID, s)
		}
		seen[s] = struct{}{}
		states = append(states, s)
	}

	descriptors := make(map[string]StateDescriptor, len(cfg.StateDescriptors))
	for _, d := range cfg.StateDescriptors {
		if err := checkStateName(cfg.ID, d.Name); err != nil {
			return nil, nil, err
		}
		if _, dup := descriptors[d.Name]; dup {
			return nil, nil, types.NewValidationError("process %q: duplicate state %q", cfg.ID, d.Name)
		}
		d.Transitions = slices.Clone(d.Transitions)
		d.Metadata = maps.Clone(d.Metadata)
		descriptors[d.Name] = d
		if _, ok := seen[d.Name]; !ok {
			seen[d.Name] = struct{}{}
			states = append(states, d.Name)
		}
	}

	if len(states) == 0 {
		return nil, nil, types.NewValidationError("process %q: at least one state is required", cfg.ID)
	}
	return states, descriptors, nil
}

func checkStateName(processID, name string) error {
	if name == "" {
		return types.NewValidationError("process %q: state name must not be empty", processID)
	}
	if name == AnyState {
		return types.NewValidationError("process %q: %q is reserved and cannot be a state name", processID, AnyState)
	}
	return nil
}

func validateTransition(processID string, i int, t Transition, known map[string]struct{}) error {
	if t.On == "" {
		return types.NewValidationError("process %q: transition %d has no event", processID, i)
	}
	if t.To == "" {
		return types.NewValidationError("process %q: transition %d has no target state", processID, i)
	}
	if _, ok := known[t.To]; !ok {
		return types.NewValidationError("process %q: transition %d targets undefined state %q", processID, i, t.To)
	}
	if len(t.From) == 0 {
		return types.NewValidationError("process %q: transition %d has no source state", processID, i)
	}

	wildcard := false
	sources := make(map[string]struct{}, len(t.From))
	for _, from := range t.From {
		if from == AnyState {
			wildcard = true
			continue
		}
		if _, ok := known[from]; !ok {
			return types.NewValidationError("process %q: transition %d references undefined state %q", processID, i, from)
		}
		if _, dup := sources[from]; dup {
			return types.NewValidationError("process %q: transition %d lists source %q twice", processID, i, from)
		}
		sources[from] = struct{}{}
	}
	if wildcard && len(t.From) > 1 {
		return types.NewValidationError("process %q: transition %d mixes %q with specific source states", processID, i, AnyState)
	}
	return nil
}

// buildIndex 展开通配源并检查 (state, event) 冲突
func buildIndex(processID string, states []string, transitions []Transition) (map[string]map[string][]int, error) {
	index := make(map[string]map[string][]int, len(states))
	for i, t := range transitions {
		sources := t.From
		if len(sources) == 1 && sources[0] == AnyState {
			sources = states
		}
		for _, s := range sources {
			byEvent := index[s]
			if byEvent == nil {
				byEvent = make(map[string][]int)
				index[s] = byEvent
			}
			if prev := byEvent[t.On]; len(prev) > 0 {
				return nil, types.NewValidationError(
					"process %q: transitions %d and %d both handle event %q from state %q",
					processID, prev[0], i, t.On, s)
			}
			byEvent[t.On] = append(byEvent[t.On], i)
		}
	}
	return index, nil
}

// ID returns the process id.
func (d *Definition) ID() string { return d.id }

// Name returns the display name (defaults to the id).
func (d *Definition) Name() string { return d.name }

// Description returns the description.
func (d *Definition) Description() string { return d.description }

// Version returns the version string.
func (d *Definition) Version() string { return d.version }

// InitialState 返回默认初始状态
func (d *Definition) InitialState() string { return d.initialState }

// States 返回按声明顺序排列的状态名
func (d *Definition) States() []string { return slices.Clone(d.states) }

// HasState reports whether name is a declared state.
func (d *Definition) HasState(name string) bool {
	return slices.Contains(d.states, name)
}

// StateDescriptor 返回状态描述（仅显式声明了描述的状态）
func (d *Definition) StateDescriptor(name string) (StateDescriptor, bool) {
	desc, ok := d.descriptors[name]
	return desc, ok
}

// IsFinal reports whether the state is marked final.
func (d *Definition) IsFinal(state string) bool {
	return d.descriptors[state].Final
}

// Transitions 返回全部转换（含由状态描述派生的转换）
func (d *Definition) Transitions() []Transition {
	out := make([]Transition, len(d.transitions))
	for i, t := range d.transitions {
		out[i] = t.clone()
	}
	return out
}

// Candidates 返回当前状态下响应 event 的转换，按声明顺序
func (d *Definition) Candidates(state, event string) []Transition {
	idx := d.index[state][event]
	if len(idx) == 0 {
		return nil
	}
	out := make([]Transition, 0, len(idx))
	for _, i := range idx {
		out = append(out, d.transitions[i].clone())
	}
	return out
}

// HandlesEvent reports whether any transition listens to event.
func (d *Definition) HandlesEvent(event string) bool {
	return slices.Contains(d.events, event)
}

// Events 返回该定义响应的事件类型
func (d *Definition) Events() []string { return slices.Clone(d.events) }

// Metadata returns a copy of the definition metadata.
func (d *Definition) Metadata() map[string]any { return maps.Clone(d.metadata) }
