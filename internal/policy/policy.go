package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
)

// 探索参数
const (
	MaxNumRestarts         = 5
	MaxNumStepsOutside     = 1000
	MaxNumStepsOutsideKill = 1000
	MaxReplayTries         = 5
	MaxScrollNum           = 7
	MaxInputTextLen        = 30
)

// 事件轨迹标记，用于判断重启/导航状态
const (
	FlagStarted  = "+started"
	FlagStartApp = "+start_app"
	FlagStopApp  = "+stop_app"
	FlagExplore  = "+explore"
	FlagNavigate = "+navigate"
	FlagTouch    = "+touch"
)

// 策略名称
const (
	NameDFSGreedy = "dfs_greedy"
	NameBFSGreedy = "bfs_greedy"
	NameDFSNaive  = "dfs_naive"
	NameBFSNaive  = "bfs_naive"
	NameTask      = "task"
	NameReplay    = "replay"
	NameManual    = "manual"
	NameNone      = "none"
)

// ErrInterrupted 策略主动终止本次运行
var ErrInterrupted = errors.New("exploration interrupted")

// Device 策略依赖的设备能力
type Device interface {
	// GetCurrentState 读取当前屏幕；暂时不可读时返回错误
	GetCurrentState(ctx context.Context) (*domain.State, error)
	Send(ctx context.Context, event *domain.Event) error
	IsForeground(ctx context.Context, app *domain.App) (bool, error)
	GetPossibleEvents(state *domain.State) []*domain.Event
	GetScrollableRegions(state *domain.State) []*domain.View
	DisplaySize() (int, int)
}

// Policy 探索策略
// GenerateEvent 返回 nil 事件且无错误表示探索结束
type Policy interface {
	Name() string
	GenerateEvent(ctx context.Context) (*domain.Event, error)
	// CurrentState 最近一次决策所基于的屏幕，可能为 nil
	CurrentState() *domain.State
}

// SearchMethod 图搜索顺序
type SearchMethod string

const (
	DFS SearchMethod = "dfs"
	BFS SearchMethod = "bfs"
)

// ParseName 校验策略名称
func ParseName(name string) (string, error) {
	switch name {
	case NameDFSGreedy, NameBFSGreedy, NameDFSNaive, NameBFSNaive, NameTask, NameReplay, NameManual, NameNone:
		return name, nil
	}
	return "", fmt.Errorf("unknown policy %q", name)
}

// SearchMethodOf 从策略名中解析搜索顺序
func SearchMethodOf(name string) SearchMethod {
	if strings.HasPrefix(name, "bfs") {
		return BFS
	}
	return DFS
}

// PolicyState 单次运行的策略簿记，只属于当前策略实例
type PolicyState struct {
	NumRestarts     int
	NumStepsOutside int
	EventTrace      string
	MissedStates    map[string]bool
	NavTarget       *domain.State
	NavNumSteps     int
	RandomExplore   bool
	ActionHistory   []string
	ThoughtHistory  []string
}

// NewPolicyState 初始簿记
func NewPolicyState(randomInput bool) *PolicyState {
	return &PolicyState{
		MissedStates:  make(map[string]bool),
		NavNumSteps:   -1,
		RandomExplore: randomInput,
	}
}

// TraceEndsWith 事件轨迹是否以给定标记结尾
func (s *PolicyState) TraceEndsWith(flags ...string) bool {
	return strings.HasSuffix(s.EventTrace, strings.Join(flags, ""))
}

// AppendTrace 追加事件轨迹标记
func (s *PolicyState) AppendTrace(flag string) {
	s.EventTrace += flag
}

// Record 追加动作与理由
func (s *PolicyState) Record(action, thought string) {
	s.ActionHistory = append(s.ActionHistory, action)
	s.ThoughtHistory = append(s.ThoughtHistory, thought)
}

// ResetHistory 重启应用后历史从启动动作重新开始
func (s *PolicyState) ResetHistory(action, thought string) {
	s.ActionHistory = []string{action}
	s.ThoughtHistory = []string{thought}
}

// CountTrace 统计标记出现次数
func (s *PolicyState) CountTrace(flag string) int {
	return strings.Count(s.EventTrace, flag)
}
