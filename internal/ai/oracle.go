package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// 动作类型
const (
	ActionTap   = "tap"
	ActionInput = "input"
)

// DecisionRequest 一次决策请求
// Prompt 为完整提示词；为空时由其余字段拼出简单提示词
type DecisionRequest struct {
	Task           string
	History        []string
	Screen         string
	CandidateCount int
	Prompt         string
}

// Decision 模型给出的下一步
// Index 为 -1 或 Finished 为 true 表示任务已完成
type Decision struct {
	Index     int
	Action    string
	InputText string
	Finished  bool
	Reason    string
	Raw       string
}

// Done 任务是否已完成
func (d *Decision) Done() bool {
	return d.Index == -1
}

// rawDecision 模型 JSON 回复，字段值可能是字符串或数字
type rawDecision struct {
	Steps     string          `json:"Steps"`
	Analyses  string          `json:"Analyses"`
	Finished  string          `json:"Finished"`
	NextStep  string          `json:"Next step"`
	ID        json.RawMessage `json:"id"`
	Action    string          `json:"action"`
	InputText string          `json:"input_text"`
}

// Decide 请求模型选择下一个控件
func (c *Client) Decide(ctx context.Context, req DecisionRequest) (*Decision, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Task: %s\nPrevious UI actions: \n%s\nCurrent UI state: \n%s",
			req.Task, strings.Join(req.History, "\n"), req.Screen)
	}

	content, err := c.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	decision, err := ParseDecision(content)
	if err != nil {
		c.logger.WithError(err).WithField("content", content).Warn("Failed to parse model decision")
		return nil, err
	}

	c.logger.WithField("decision", fmt.Sprintf("%d/%s", decision.Index, decision.Action)).Debug("Model decision parsed")
	return decision, nil
}

// ParseDecision 解析模型回复
func ParseDecision(content string) (*Decision, error) {
	var raw rawDecision
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	idx, err := parseIndex(raw.ID)
	if err != nil {
		return nil, err
	}

	action := strings.ToLower(strings.TrimSpace(raw.Action))
	if action != ActionInput {
		action = ActionTap
	}

	reason := strings.TrimSpace(raw.NextStep)
	if reason == "" || strings.EqualFold(reason, "none") {
		reason = strings.TrimSpace(raw.Analyses)
	}

	return &Decision{
		Index:     idx,
		Action:    action,
		InputText: strings.TrimSpace(raw.InputText),
		Finished:  strings.EqualFold(strings.TrimSpace(raw.Finished), "yes"),
		Reason:    reason,
		Raw:       content,
	}, nil
}

func parseIndex(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("model response has no id")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid id %s", string(raw))
	}
	idx, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return idx, nil
}
