package diagnosis

import (
	"fmt"
	"strings"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

// 提示词拼接上限，超出部分截断，避免撑爆模型上下文。
const (
	maxDigestSnapshots = 8
	maxDigestEvents    = 20
	maxDigestLogs      = 50
	maxDigestSeries    = 10
	maxManifestRunes   = 2000
)

// buildEvidenceDigest 将证据包压缩为结构化文本，作为各推理步骤的公共上下文。
// 相同证据产出相同文本，保证流水线的闸控决策可复现。
func buildEvidenceDigest(bundle *domain.EvidenceBundle, findings []domain.Finding) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## 诊断对象\n%s（集群 %s）\n", bundle.Target.String(), bundle.Target.ClusterID)

	b.WriteString("\n## 对象状态\n")
	if len(bundle.Snapshots) == 0 {
		b.WriteString("（无快照）\n")
	}
	for i, snap := range bundle.Snapshots {
		if i >= maxDigestSnapshots {
			break
		}
		fmt.Fprintf(&b, "- %s/%s 状态=%s\n", snap.Kind, snap.Name, snap.Phase)
		if manifest := truncateRunes(snap.Manifest, maxManifestRunes); manifest != "" {
			fmt.Fprintf(&b, "  清单: %s\n", manifest)
		}
	}

	b.WriteString("\n## 事件\n")
	if len(bundle.Events) == 0 {
		b.WriteString("（无事件）\n")
	}
	for i, ev := range bundle.Events {
		if i >= maxDigestEvents {
			break
		}
		fmt.Fprintf(&b, "- [%s] %s x%d: %s\n", ev.Type, ev.Reason, ev.Count, ev.Message)
	}

	b.WriteString("\n## 日志\n")
	if len(bundle.Logs) == 0 {
		b.WriteString("（无日志）\n")
	} else if bundle.LogsFromTail {
		b.WriteString("（来源：实时 tail）\n")
	} else {
		b.WriteString("（来源：日志库）\n")
	}
	for i, line := range bundle.Logs {
		if i >= maxDigestLogs {
			break
		}
		fmt.Fprintf(&b, "%s\n", line.Message)
	}

	b.WriteString("\n## 指标\n")
	if len(bundle.Metrics) == 0 {
		b.WriteString("（无指标）\n")
	}
	for i, series := range bundle.Metrics {
		if i >= maxDigestSeries {
			break
		}
		last := 0.0
		if len(series.Points) > 0 {
			last = series.Points[len(series.Points)-1].Value
		}
		fmt.Fprintf(&b, "- %s 采样 %d 个点，最新值 %.4f\n", series.Metric, len(series.Points), last)
	}

	b.WriteString("\n## 规则判定\n")
	if len(findings) == 0 {
		b.WriteString("（规则引擎未发现异常）\n")
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Rule, f.Message)
	}

	return b.String()
}

// buildInitialPrompt 步骤1提示词。要求日志优先归因：
// 日志中存在明确错误签名时必须以其为根因，不得用配置推测覆盖。
func buildInitialPrompt(symptom, digest string, memories []domain.DiagnosisMemory, feedbackText string) string {
	var b strings.Builder

	b.WriteString("你是 Kubernetes 集群故障诊断专家。请基于以下证据判断根因。\n")
	b.WriteString("归因约束：如果日志中存在明确的错误签名（如 connection refused、OOM、panic），")
	b.WriteString("必须以该日志行作为根因依据，禁止绕开日志去推测配置问题。\n\n")
	fmt.Fprintf(&b, "## 触发现象\n%s\n\n", symptom)
	b.WriteString(digest)

	if len(memories) > 0 {
		b.WriteString("\n## 历史诊断记忆\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.MemoryKind, m.Content)
		}
	}
	if feedbackText != "" {
		fmt.Fprintf(&b, "\n## 人工反馈\n上一轮结论被否定，反馈意见：%s\n", feedbackText)
	}

	b.WriteString(verdictFormatInstruction)
	return b.String()
}

// buildKnowledgePrompt 步骤2提示词：评估知识库候选与当前故障的相关性。
func buildKnowledgePrompt(digest string, docs []domain.ScoredKnowledgeDoc) string {
	var b strings.Builder

	b.WriteString("你是 Kubernetes 集群故障诊断专家。以下是当前故障证据与知识库中检索到的历史案例。\n")
	b.WriteString("请逐条评估案例与当前故障的相关性，只有真正匹配的案例才能作为根因依据。\n\n")
	b.WriteString(digest)

	b.WriteString("\n## 知识库候选\n")
	for i, d := range docs {
		fmt.Fprintf(&b, "### 候选%d（%s，检索得分 %.2f）\n%s\n", i+1, d.Title, d.Score, d.Content)
	}

	b.WriteString(verdictFormatInstruction)
	return b.String()
}

// buildExpandedPrompt 步骤3提示词：携带关联对象证据复判。
func buildExpandedPrompt(digest string, related *domain.RelatedResourceBundle) string {
	var b strings.Builder

	b.WriteString("你是 Kubernetes 集群故障诊断专家。基础证据未能收敛，已扩大采集范围。\n")
	b.WriteString("请结合关联对象（属主工作负载、节点、后端实例等）的状态重新判断根因。\n\n")
	b.WriteString(digest)

	b.WriteString("\n## 关联对象\n")
	if len(related.Snapshots) == 0 {
		b.WriteString("（未采集到关联对象）\n")
	}
	for i, snap := range related.Snapshots {
		if i >= maxDigestSnapshots {
			break
		}
		fmt.Fprintf(&b, "- %s/%s 状态=%s\n", snap.Kind, snap.Name, snap.Phase)
	}
	for i, ev := range related.Events {
		if i >= maxDigestEvents {
			break
		}
		fmt.Fprintf(&b, "- 事件 [%s] %s: %s\n", ev.Type, ev.Reason, ev.Message)
	}
	for i, line := range related.Logs {
		if i >= maxDigestLogs {
			break
		}
		fmt.Fprintf(&b, "- 日志 %s\n", line.Message)
	}

	b.WriteString(verdictFormatInstruction)
	return b.String()
}

// buildWebSearchPrompt 步骤4提示词：折叠外部检索结果做最后一次复判。
func buildWebSearchPrompt(digest string, results []domain.WebSearchResult) string {
	var b strings.Builder

	b.WriteString("你是 Kubernetes 集群故障诊断专家。内部证据与知识库均未收敛，以下是外部检索结果。\n")
	b.WriteString("外部结果仅供参考，结论必须与当前证据自洽。\n\n")
	b.WriteString(digest)

	b.WriteString("\n## 外部检索结果\n")
	for i, r := range results {
		fmt.Fprintf(&b, "### %d. %s（%s）\n%s\n", i+1, r.Title, r.URL, r.Snippet)
	}

	b.WriteString(verdictFormatInstruction)
	return b.String()
}

// verdictFormatInstruction 统一的输出格式约束，与推理智能体的解析逻辑对应。
// five_why 从现象逐层追问到根因，evidence_chain 引用证据原文，建议按止血/根治/预防分层。
const verdictFormatInstruction = `
## 输出格式
只输出 JSON，不要输出其它内容：
{"root_cause": "根因描述", "five_why": ["为什么1：...", "为什么2：...", "直到根因"], "evidence_chain": ["支撑根因的证据引用"], "confidence": 0.0到1.0之间的数值, "recommendations": {"immediate": ["立即止血措施"], "root": ["根治措施"], "preventive": ["预防措施"]}, "analysis": "分析过程", "need_more_info": "还缺少什么信息，没有则留空"}
`

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
