package utg

import (
	"sort"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// PossibleEventsFunc 返回某状态下当前可触发的事件
type PossibleEventsFunc func(state *domain.State) []*domain.Event

// NavigationStep 导航路径中的一步: 在 State 上执行 Event
type NavigationStep struct {
	State *domain.State
	Event *domain.Event
}

// Edge 两个状态之间的边，可承载多个事件
type Edge struct {
	From     string
	To       string
	Events   []*domain.Event
	LastSeen time.Time
}

// UTG UI 迁移图
// 节点为去重后的 State，边为 (from, event, to)；图结构委托给 gonum
type UTG struct {
	mu sync.RWMutex

	g        *simple.DirectedGraph
	ids      map[string]int64
	states   map[string]*domain.State
	edges    map[string]map[string]*Edge
	explored map[string]map[string]bool

	firstState     *domain.State
	lastState      *domain.State
	numTransitions int

	possible PossibleEventsFunc
}

// New 创建 UTG；possible 为空时使用 State.PossibleEvents
func New(possible PossibleEventsFunc) *UTG {
	if possible == nil {
		possible = func(s *domain.State) []*domain.Event { return s.PossibleEvents() }
	}
	return &UTG{
		g:        simple.NewDirectedGraph(),
		ids:      make(map[string]int64),
		states:   make(map[string]*domain.State),
		edges:    make(map[string]map[string]*Edge),
		explored: make(map[string]map[string]bool),
		possible: possible,
	}
}

// AddTransition 记录一条迁移，幂等
// 任一端点为空时只登记已知状态，不记录边
func (u *UTG) AddTransition(event *domain.Event, from, to *domain.State) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.addNode(from)
	u.addNode(to)
	if event == nil || from == nil || to == nil {
		return
	}

	sig := event.Signature()
	if u.explored[from.ID] == nil {
		u.explored[from.ID] = make(map[string]bool)
	}
	u.explored[from.ID][sig] = true

	if u.edges[from.ID] == nil {
		u.edges[from.ID] = make(map[string]*Edge)
	}
	edge, ok := u.edges[from.ID][to.ID]
	if !ok {
		edge = &Edge{From: from.ID, To: to.ID}
		u.edges[from.ID][to.ID] = edge
		// simple.DirectedGraph 不允许自环，自环只保留在边表里
		if from.ID != to.ID {
			u.g.SetEdge(u.g.NewEdge(u.g.Node(u.ids[from.ID]), u.g.Node(u.ids[to.ID])))
		}
	}
	edge.LastSeen = time.Now()
	for _, e := range edge.Events {
		if e.Signature() == sig {
			return
		}
	}
	edge.Events = append(edge.Events, event)
	u.numTransitions++
}

func (u *UTG) addNode(s *domain.State) {
	if s == nil {
		return
	}
	if u.firstState == nil {
		u.firstState = s
	}
	u.lastState = s
	if _, ok := u.ids[s.ID]; ok {
		return
	}
	n := u.g.NewNode()
	u.g.AddNode(n)
	u.ids[s.ID] = n.ID()
	u.states[s.ID] = s
}

// IsEventExplored 该事件是否已在该状态上尝试过
func (u *UTG) IsEventExplored(event *domain.Event, state *domain.State) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.explored[state.ID][event.Signature()]
}

// IsStateExplored 当前可触发的事件是否全部尝试过
func (u *UTG) IsStateExplored(state *domain.State) bool {
	events := u.possible(state)

	u.mu.RLock()
	defer u.mu.RUnlock()
	tried := u.explored[state.ID]
	for _, e := range events {
		if !tried[e.Signature()] {
			return false
		}
	}
	return true
}

// IsStateReached 状态是否出现过
func (u *UTG) IsStateReached(state *domain.State) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.ids[state.ID]
	return ok
}

// GetReachableStates 从 from 出发可达的状态（不含 from 自身），按 BFS 发现顺序
func (u *UTG) GetReachableStates(from *domain.State) []*domain.State {
	u.mu.RLock()
	defer u.mu.RUnlock()

	start, ok := u.ids[from.ID]
	if !ok {
		return nil
	}
	names := u.nodeNames()

	var out []*domain.State
	bf := traverse.BreadthFirst{
		Visit: func(n graph.Node) {
			if n.ID() == start {
				return
			}
			out = append(out, u.states[names[n.ID()]])
		},
	}
	bf.Walk(u.g, u.g.Node(start), nil)
	return out
}

// GetNavigationSteps 按边数最短的路径返回 (中间状态, 事件) 序列；不可达返回空
func (u *UTG) GetNavigationSteps(from, to *domain.State) []NavigationStep {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if from == nil || to == nil || from.ID == to.ID {
		return nil
	}
	src, ok := u.ids[from.ID]
	if !ok {
		return nil
	}
	dst, ok := u.ids[to.ID]
	if !ok {
		return nil
	}

	shortest := path.DijkstraFrom(u.g.Node(src), u.g)
	nodes, _ := shortest.To(dst)
	if len(nodes) < 2 {
		return nil
	}

	names := u.nodeNames()
	steps := make([]NavigationStep, 0, len(nodes)-1)
	for i := 0; i < len(nodes)-1; i++ {
		fromID, toID := names[nodes[i].ID()], names[nodes[i+1].ID()]
		edge := u.edges[fromID][toID]
		if edge == nil || len(edge.Events) == 0 {
			return nil
		}
		steps = append(steps, NavigationStep{State: u.states[fromID], Event: edge.Events[0]})
	}
	return steps
}

func (u *UTG) nodeNames() map[int64]string {
	names := make(map[int64]string, len(u.ids))
	for name, id := range u.ids {
		names[id] = name
	}
	return names
}

// State 按标识取状态
func (u *UTG) State(id string) (*domain.State, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.states[id]
	return s, ok
}

// FirstState 第一个被观察到的状态
func (u *UTG) FirstState() *domain.State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.firstState
}

// LastState 最近一次登记的状态
func (u *UTG) LastState() *domain.State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastState
}

func (u *UTG) NumStates() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.states)
}

func (u *UTG) NumTransitions() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.numTransitions
}

// Edges 全部边的快照
func (u *UTG) Edges() []Edge {
	u.mu.RLock()
	defer u.mu.RUnlock()

	var out []Edge
	for _, targets := range u.edges {
		for _, e := range targets {
			c := *e
			c.Events = append([]*domain.Event(nil), e.Events...)
			out = append(out, c)
		}
	}
	return out
}

// NodeExport 导出的节点
type NodeExport struct {
	ID       string `json:"id"`
	Activity string `json:"activity"`
	Depth    int    `json:"depth"`
	Views    int    `json:"views"`
}

// EdgeExport 导出的边，Events 为事件签名
type EdgeExport struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Events []string `json:"events"`
}

// Export 可序列化的图快照
type Export struct {
	FirstState     string       `json:"first_state,omitempty"`
	NumTransitions int          `json:"num_transitions"`
	Nodes          []NodeExport `json:"nodes"`
	Edges          []EdgeExport `json:"edges"`
}

// Export 导出节点与边，按 ID 排序
func (u *UTG) Export() Export {
	u.mu.RLock()
	out := Export{NumTransitions: u.numTransitions}
	if u.firstState != nil {
		out.FirstState = u.firstState.ID
	}
	for id, s := range u.states {
		out.Nodes = append(out.Nodes, NodeExport{ID: id, Activity: s.Activity, Depth: s.Depth, Views: len(s.Views)})
	}
	u.mu.RUnlock()

	for _, e := range u.Edges() {
		edge := EdgeExport{From: e.From, To: e.To}
		for _, ev := range e.Events {
			edge.Events = append(edge.Events, ev.Signature())
		}
		out.Edges = append(out.Edges, edge)
	}

	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].From != out.Edges[j].From {
			return out.Edges[i].From < out.Edges[j].From
		}
		return out.Edges[i].To < out.Edges[j].To
	})
	return out
}
