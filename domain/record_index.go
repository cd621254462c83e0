package domain

import "time"

type RecordStatus string

const (
	RecordStatusPending      RecordStatus = "pending"       //待诊断
	RecordStatusRunning      RecordStatus = "running"       //诊断中
	RecordStatusCompleted    RecordStatus = "completed"     //诊断完成
	RecordStatusPendingHuman RecordStatus = "pending_human" //等待人工介入
	RecordStatusFailed       RecordStatus = "failed"        //诊断失败
)

// Terminal 状态是否为终态。completed/pending_human/failed 均可被反馈重新打开。
func (s RecordStatus) Terminal() bool {
	return s == RecordStatusCompleted || s == RecordStatusPendingHuman || s == RecordStatusFailed
}

type Severity int

const (
	SeverityCritical Severity = iota + 1 //紧急
	SeverityMajor                        //严重
	SeverityWarning                      //警告
	SeverityInfo                         //提示
)

type FailureReason string

const (
	FailureReasonNone                 FailureReason = ""
	FailureReasonCollectorUnavailable FailureReason = "collector_unavailable" //采集端不可用
	FailureReasonNoBaseEvidence       FailureReason = "no_base_evidence"      //基础证据为空
	FailureReasonReasoning            FailureReason = "reasoning_error"       //推理调用失败
	FailureReasonPersistence          FailureReason = "persistence_error"     //结果落盘失败
)

// DiagnosisRecord 对应索引 itops_diagnosis_record。
// 一条记录描述某个集群对象的一次诊断会话，可经反馈多次迭代。
type DiagnosisRecord struct {
	RecordID          uint64          `json:"record_id"`
	ClusterID         string          `json:"cluster_id"`
	TargetKind        string          `json:"target_kind"` // Pod/Deployment/Node/...
	TargetNamespace   string          `json:"target_namespace"`
	TargetName        string          `json:"target_name"`
	Symptom           string          `json:"symptom"` // 触发时的现象描述
	Severity          Severity        `json:"severity"`
	Source            string          `json:"source"` // api/webhook/feedback
	RecordCreateTime  time.Time       `json:"record_create_time"`
	RecordUpdateTime  time.Time       `json:"record_update_time"`
	RecordStatus      RecordStatus    `json:"record_status"`
	FailureReason     FailureReason   `json:"failure_reason,omitempty"`
	IterationCount    int             `json:"iteration_count"`
	LatestIterationID uint64          `json:"latest_iteration_id"`
	RootCause         string          `json:"root_cause,omitempty"`
	FiveWhy           []string        `json:"five_why,omitempty"`       // 逐层追问的因果链
	EvidenceChain     []string        `json:"evidence_chain,omitempty"` // 支撑根因的证据引用
	Recommendations   Recommendations `json:"recommendations"`
	KnowledgeRefs     []string        `json:"knowledge_refs,omitempty"` // 结论引用的知识条目
	Confidence        float64         `json:"confidence"`
	ConfidenceSource  string          `json:"confidence_source,omitempty"` // 采纳置信度的步骤名
	Sedimented        bool            `json:"sedimented"`                  // 结论是否已沉淀进知识库
}
