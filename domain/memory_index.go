package domain

import "time"

type MemoryKind string

// 记忆类型，对应产生该记忆的证据源或步骤。
const (
	MemoryKindMetric        MemoryKind = "metric"         //指标证据摘要
	MemoryKindLog           MemoryKind = "log"            //日志证据摘要
	MemoryKindRule          MemoryKind = "rule"           //规则引擎判定
	MemoryKindKnowledge     MemoryKind = "knowledge"      //知识检索复判
	MemoryKindK8sResource   MemoryKind = "k8s_resource"   //扩展资源复判
	MemoryKindSearch        MemoryKind = "search"         //外部检索复判
	MemoryKindLLM           MemoryKind = "llm"            //大模型推理结论
	MemoryKindHumanFeedback MemoryKind = "human_feedback" //人工反馈
	MemoryKindSymptom       MemoryKind = "symptom"        //触发现象
	MemoryKindError         MemoryKind = "error"          //采集或推理故障留痕
)

// DiagnosisMemory 对应索引 itops_diagnosis_memory。
// 跨迭代共享的诊断上下文片段，按记录维度累积，供后续迭代拼接提示词。
// Ordinal 在同一迭代内从 1 严格递增，保证回放时顺序确定。
type DiagnosisMemory struct {
	MemoryID    uint64     `json:"memory_id"`
	RecordID    uint64     `json:"record_id"`
	IterationID uint64     `json:"iteration_id"`
	Ordinal     int        `json:"ordinal"`
	MemoryKind  MemoryKind `json:"memory_kind"`
	Content     string     `json:"content"`
	CreateTime  time.Time  `json:"create_time"`
}
