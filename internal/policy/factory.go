package policy

import (
	"fmt"
)

// Config 按名称创建策略所需的全部依赖
type Config struct {
	Name      string
	Options   Options
	Task      TaskOptions
	ReplayDir string // replay 策略读取的输出目录
}

// New 按名称创建策略
func New(cfg Config) (Policy, error) {
	name, err := ParseName(cfg.Name)
	if err != nil {
		return nil, err
	}

	switch name {
	case NameDFSGreedy, NameBFSGreedy:
		return NewGreedyPolicy(cfg.Options, SearchMethodOf(name)), nil
	case NameDFSNaive, NameBFSNaive:
		return NewNaivePolicy(cfg.Options, SearchMethodOf(name)), nil
	case NameTask:
		if cfg.Task.Oracle == nil {
			return nil, fmt.Errorf("policy %s requires a decision oracle", name)
		}
		return NewTaskPolicy(cfg.Options, cfg.Task), nil
	case NameReplay:
		if cfg.ReplayDir == "" {
			return nil, fmt.Errorf("policy %s requires a replay directory", name)
		}
		return LoadReplayPolicy(cfg.Options, cfg.ReplayDir)
	case NameManual:
		return NewManualPolicy(cfg.Options), nil
	default:
		return NonePolicy{}, nil
	}
}
