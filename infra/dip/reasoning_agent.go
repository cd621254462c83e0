package dip

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

const (
	// agentQueryAnalyze 根因推理查询文本
	agentQueryAnalyze = "请输出结果"
)

// ReasoningAgent 调用大模型对证据做根因判定，实现 core.ReasoningAgent。
type ReasoningAgent struct {
	client  *Client
	getConf func() AgentCallConfig
}

// NewReasoningAgent 创建根因推理 Agent。
// getConf 每次调用时取最新配置，凭据热更新后立即生效。
func NewReasoningAgent(client *Client, getConf func() AgentCallConfig) *ReasoningAgent {
	return &ReasoningAgent{client: client, getConf: getConf}
}

// Analyze 发送提示词并解析智能体返回的判定。
// 智能体约定输出 JSON：root_cause/five_why/evidence_chain/confidence/recommendations 等字段。
// JSON 解析失败时退化为正则逐字段提取，仍失败时按推理故障返回。
func (a *ReasoningAgent) Analyze(ctx context.Context, prompt string) (*domain.Verdict, error) {
	if a == nil || a.client == nil {
		return nil, errors.New("reasoning agent 未初始化")
	}
	if prompt == "" {
		return nil, errors.New("提示词不能为空")
	}

	rawText, err := a.client.callAgent(ctx, a.getConf(), agentQueryAnalyze, map[string]interface{}{
		"diagnosis_context": prompt,
	})
	if err != nil {
		return nil, err
	}

	verdict, err := parseVerdict(rawText)
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// parseVerdict 解析智能体输出，JSON 优先，正则兜底。
func parseVerdict(rawText string) (*domain.Verdict, error) {
	var verdict domain.Verdict
	if err := json.Unmarshal([]byte(stripCodeFence(rawText)), &verdict); err == nil && verdict.RootCause != "" {
		verdict.Raw = rawText
		clampConfidence(&verdict)
		return &verdict, nil
	}

	extracted, regexErr := extractVerdictWithRegex(rawText)
	if regexErr != nil {
		return nil, errors.Wrapf(core.ErrReasoning, "解析 agent 判定失败: %v，原文：%s", regexErr, rawText)
	}
	extracted.Raw = rawText
	clampConfidence(extracted)
	return extracted, nil
}

// clampConfidence 将置信度收敛到 [0,1]。
func clampConfidence(v *domain.Verdict) {
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
}

// stripCodeFence 去掉模型输出中包裹 JSON 的 markdown 代码块标记。
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

// extractVerdictWithRegex 使用正则表达式从文本中提取判定字段
func extractVerdictWithRegex(text string) (*domain.Verdict, error) {
	if text == "" {
		return nil, errors.New("输入文本为空")
	}

	verdict := &domain.Verdict{}

	rootCausePattern := regexp.MustCompile(`(?i)"root_cause"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	if match := rootCausePattern.FindStringSubmatch(text); len(match) > 1 {
		verdict.RootCause = strings.TrimSpace(decodeJSONString(match[1]))
	}

	verdict.FiveWhy = extractStringList(text, "five_why")
	verdict.EvidenceChain = extractStringList(text, "evidence_chain")
	verdict.Recommendations = domain.Recommendations{
		Immediate:  extractStringList(text, "immediate"),
		Root:       extractStringList(text, "root"),
		Preventive: extractStringList(text, "preventive"),
	}

	analysisPattern := regexp.MustCompile(`(?i)"analysis"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	if match := analysisPattern.FindStringSubmatch(text); len(match) > 1 {
		verdict.Analysis = strings.TrimSpace(decodeJSONString(match[1]))
	}

	needMorePattern := regexp.MustCompile(`(?i)"need_more_info"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	if match := needMorePattern.FindStringSubmatch(text); len(match) > 1 {
		verdict.NeedMoreInfo = strings.TrimSpace(decodeJSONString(match[1]))
	}

	// 置信度支持字符串和数字格式，支持科学计数法
	confidencePattern := regexp.MustCompile(`(?i)"confidence"\s*:\s*"?([0-9]+\.?[0-9]*(?:[eE][+-]?[0-9]+)?)"?`)
	if match := confidencePattern.FindStringSubmatch(text); len(match) > 1 {
		if conf, err := parseFloat64(match[1]); err == nil {
			verdict.Confidence = conf
		}
	}

	if verdict.RootCause == "" {
		return nil, errors.New("无法从文本中提取 root_cause 字段")
	}

	return verdict, nil
}

// parseFloat64 尝试将字符串解析为 float64
func parseFloat64(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("输入字符串为空")
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)

	if s == "" {
		return 0, errors.New("去除引号后字符串为空")
	}

	result, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "解析 float64 失败")
	}

	return result, nil
}

// extractStringList 从文本中提取形如 "field": ["a", "b"] 的字符串数组。
func extractStringList(text, field string) []string {
	listPattern := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(field) + `"\s*:\s*\[([^\]]*)\]`)
	match := listPattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return nil
	}

	itemPattern := regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	var items []string
	for _, m := range itemPattern.FindAllStringSubmatch(match[1], -1) {
		if item := strings.TrimSpace(decodeJSONString(m[1])); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// decodeJSONString 解码 JSON 字符串中的转义字符
func decodeJSONString(encoded string) string {
	if encoded == "" {
		return ""
	}

	var decoded string
	if err := json.Unmarshal([]byte(`"`+encoded+`"`), &decoded); err == nil {
		return decoded
	}

	// 如果解码失败，手动处理常见转义字符
	decoded = strings.ReplaceAll(encoded, "\\\"", "\"")
	decoded = strings.ReplaceAll(decoded, "\\n", "\n")
	decoded = strings.ReplaceAll(decoded, "\\t", "\t")
	decoded = strings.ReplaceAll(decoded, "\\r", "\r")
	decoded = strings.ReplaceAll(decoded, "\\\\", "\\")
	return decoded
}
