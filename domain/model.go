package domain

import (
	"fmt"
	"strings"
	"time"
)

// 触发来源。
const (
	SourceAPI      = "api"
	SourceWebhook  = "webhook"
	SourceFeedback = "feedback"
)

// DiagnosisTrigger 经 Kafka 异步投递给诊断模块。
type DiagnosisTrigger struct {
	RecordID uint64 `json:"record_id"` // 诊断记录ID
}

// DiagnosisTarget 待诊断的集群对象。
type DiagnosisTarget struct {
	ClusterID string `json:"cluster_id"`
	Kind      string `json:"kind"` // Pod/Deployment/StatefulSet/DaemonSet/Node/Service
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String 返回 kind/namespace/name 形式的对象标识。
func (t DiagnosisTarget) String() string {
	if t.Namespace == "" {
		return fmt.Sprintf("%s/%s", t.Kind, t.Name)
	}
	return fmt.Sprintf("%s/%s/%s", t.Kind, t.Namespace, t.Name)
}

type FeedbackType string

// 人工反馈类型。
const (
	FeedbackConfirmed FeedbackType = "confirmed"              //采纳结论，沉淀知识并关闭记录
	FeedbackContinue  FeedbackType = "continue_investigation" //否定结论，重新进入诊断流水线
	FeedbackCustom    FeedbackType = "custom"                 //补充说明，只留痕不驱动流水线
)

// FeedbackRequest 人工反馈。confirmed/continue_investigation 驱动记录状态流转，
// custom 仅作为记忆落盘。
type FeedbackRequest struct {
	RecordID uint64       `json:"record_id"`
	Type     FeedbackType `json:"feedback_type"`
	Comment  string       `json:"comment,omitempty"`
	Operator string       `json:"operator,omitempty"`
}

// Finding 规则引擎产出的一条确定性判定。
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Object   string   `json:"object,omitempty"` // 关联对象 kind/namespace/name
}

// LogLine 来自实时 tail 或日志库查询的单行日志。
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // 容器名或日志流标识
	Message   string    `json:"message"`
}

// MetricPoint 指标采样点。
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricSeries 单条指标时间序列。
type MetricSeries struct {
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`
	Points []MetricPoint     `json:"points"`
}

// ResourceSnapshot 某个 K8s 对象的状态快照，Manifest 为去冗余后的 JSON 文本。
type ResourceSnapshot struct {
	Kind      string    `json:"kind"`
	Namespace string    `json:"namespace,omitempty"`
	Name      string    `json:"name"`
	Phase     string    `json:"phase,omitempty"`
	Manifest  string    `json:"manifest"`
	FetchTime time.Time `json:"fetch_time"`
}

// EventRecord 对象关联的 K8s 事件。
type EventRecord struct {
	Type      string    `json:"type"` // Normal/Warning
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Count     int32     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	Component string    `json:"component,omitempty"`
}

// SourceError 单路证据源采集失败的留痕。
type SourceError struct {
	Source  string `json:"source"` // k8s_resource/log/metric
	Message string `json:"message"`
}

// EvidenceBundle 基础证据：目标对象快照、事件、日志与指标。
// 单路证据源失败不阻断采集，失败原因记录在 SourceErrors 中。
type EvidenceBundle struct {
	Target       DiagnosisTarget    `json:"target"`
	Snapshots    []ResourceSnapshot `json:"snapshots"`
	Events       []EventRecord      `json:"events"`
	Logs         []LogLine          `json:"logs"`
	Metrics      []MetricSeries     `json:"metrics"`
	LogsFromTail bool               `json:"logs_from_tail"` // true=实时 tail，false=日志库
	CollectTime  time.Time          `json:"collect_time"`
	SourceErrors []SourceError      `json:"source_errors,omitempty"`
}

// Empty 判断基础证据是否完全为空。快照、事件、日志、指标全部缺失时诊断无法开始。
func (b *EvidenceBundle) Empty() bool {
	return len(b.Snapshots) == 0 && len(b.Events) == 0 && len(b.Logs) == 0 && len(b.Metrics) == 0
}

// RelatedResourceBundle 步骤3扩大范围后采集到的关联对象证据。
type RelatedResourceBundle struct {
	Snapshots []ResourceSnapshot `json:"snapshots"`
	Events    []EventRecord      `json:"events"`
	Logs      []LogLine          `json:"logs"`
}

// Recommendations 三级处置建议：立即止血、根治与预防。
type Recommendations struct {
	Immediate  []string `json:"immediate,omitempty"`
	Root       []string `json:"root,omitempty"`
	Preventive []string `json:"preventive,omitempty"`
}

// Empty 三级建议是否全部为空。
func (r Recommendations) Empty() bool {
	return len(r.Immediate) == 0 && len(r.Root) == 0 && len(r.Preventive) == 0
}

// Flatten 将三级建议压成一段文本，用于知识沉淀与摘要展示。
func (r Recommendations) Flatten() string {
	var parts []string
	if len(r.Immediate) > 0 {
		parts = append(parts, "立即: "+strings.Join(r.Immediate, "；"))
	}
	if len(r.Root) > 0 {
		parts = append(parts, "根治: "+strings.Join(r.Root, "；"))
	}
	if len(r.Preventive) > 0 {
		parts = append(parts, "预防: "+strings.Join(r.Preventive, "；"))
	}
	return strings.Join(parts, "\n")
}

// Verdict 推理智能体对根因的单次判定。
// FiveWhy 为逐层追问的因果链，EvidenceChain 为支撑根因的证据引用。
type Verdict struct {
	RootCause       string          `json:"root_cause"`
	FiveWhy         []string        `json:"five_why,omitempty"`
	EvidenceChain   []string        `json:"evidence_chain,omitempty"`
	Recommendations Recommendations `json:"recommendations"`
	Confidence      float64         `json:"confidence"`
	Analysis        string          `json:"analysis,omitempty"`
	NeedMoreInfo    string          `json:"need_more_info,omitempty"` // 模型自述还缺什么信息
	Raw             string          `json:"-"`                        // 模型原始输出，仅用于排障
}

// AI Agent 相关

// AgentRequest Agent 请求结构（内部使用）
// 用于调用 AI Agent 进行根因推理、摘要与向量计算
type AgentRequest struct {
	AgentKey     string                 `json:"agent_key"`     // Agent 密钥
	CustomQuerys map[string]interface{} `json:"custom_querys"` // 自定义查询参数（证据、记忆等）
	Query        string                 `json:"query"`         // 查询文本
	Stream       bool                   `json:"stream"`        // 是否使用流式响应
}

// AgentResponse Agent 响应结构（内部使用）
// 用于解析 AI Agent 的响应
type AgentResponse struct {
	Message struct {
		Content struct {
			FinalAnswer struct {
				Answer struct {
					Text string `json:"text"` // 响应文本内容
				} `json:"answer"`
			} `json:"final_answer"`
		} `json:"content"`
	} `json:"message"`
}

// WebSearchResult 外部检索命中的条目。
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
