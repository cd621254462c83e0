package dip

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	// agentQuerySummarize 摘要查询文本
	agentQuerySummarize = "请输出摘要"
)

// SummaryAgent 将证据与结论压缩为记忆片段，实现 core.SummaryAgent。
type SummaryAgent struct {
	client  *Client
	getConf func() AgentCallConfig
}

func NewSummaryAgent(client *Client, getConf func() AgentCallConfig) *SummaryAgent {
	return &SummaryAgent{client: client, getConf: getConf}
}

// summaryPayload 智能体约定输出 JSON：{"summary": "..."}。
type summaryPayload struct {
	Summary string `json:"summary"`
}

// Summarize 压缩输入文本。智能体输出不合预期时退化为正则提取，
// 再不行直接返回原始回答，摘要降级不应阻断诊断流程。
func (a *SummaryAgent) Summarize(ctx context.Context, text string) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("summary agent 未初始化")
	}
	if text == "" {
		return "", errors.New("待摘要文本不能为空")
	}

	rawText, err := a.client.callAgent(ctx, a.getConf(), agentQuerySummarize, map[string]interface{}{
		"content": text,
	})
	if err != nil {
		return "", err
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(stripCodeFence(rawText)), &payload); err == nil && payload.Summary != "" {
		return strings.TrimSpace(payload.Summary), nil
	}

	summaryPattern := regexp.MustCompile(`(?i)"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	if match := summaryPattern.FindStringSubmatch(rawText); len(match) > 1 {
		if s := strings.TrimSpace(decodeJSONString(match[1])); s != "" {
			return s, nil
		}
	}

	return strings.TrimSpace(rawText), nil
}
