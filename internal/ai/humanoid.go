package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RankRequest 事件排序请求
type RankRequest struct {
	HistoryViewTrees []interface{} `json:"history_view_trees"`
	HistoryEvents    []string      `json:"history_events"`
	PossibleEvents   []string      `json:"possible_events"`
	ScreenRes        [2]int        `json:"screen_res"`
}

// RankResponse 排序结果: 候选事件下标的新顺序，以及输入类事件的建议文本
type RankResponse struct {
	Indices []int  `json:"indices"`
	Text    string `json:"text"`
}

// HumanoidClient 外部事件排序服务
type HumanoidClient struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHumanoidClient 创建排序服务客户端
func NewHumanoidClient(url string, timeout time.Duration, logger *logrus.Logger) *HumanoidClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HumanoidClient{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Rank 请求服务重新排序候选事件
func (h *HumanoidClient) Rank(ctx context.Context, req *RankRequest) (*RankResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/predict", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("humanoid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("humanoid returned status %d: %s", resp.StatusCode, string(body))
	}

	var result RankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode humanoid response: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"candidates": len(req.PossibleEvents),
		"ranked":     len(result.Indices),
	}).Debug("Humanoid ranking received")
	return &result, nil
}
