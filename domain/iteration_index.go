package domain

import "time"

type IterationStatus string

const (
	IterationStatusRunning   IterationStatus = "running"   //迭代进行中
	IterationStatusSucceeded IterationStatus = "succeeded" //迭代正常结束
	IterationStatusFailed    IterationStatus = "failed"    //迭代异常结束
)

// 诊断迭代中各推理步骤的名称，同时作为置信度来源标识。
const (
	StepRuleEngine      = "rule_engine"
	StepInitialAnalysis = "initial_analysis" // 步骤1：基础证据初判
	StepKnowledgeSearch = "knowledge_search" // 步骤2：知识检索后复判
	StepExpandedScope   = "expanded_scope"   // 步骤3：扩展资源后复判
	StepWebSearch       = "web_search"       // 步骤4：外部检索后复判
)

// StepRecord 记录单个推理步骤是否执行及其产出的置信度。
// 未执行的步骤 Ran=false，Confidence 无意义。
type StepRecord struct {
	Step       string    `json:"step"`
	Ran        bool      `json:"ran"`
	Confidence float64   `json:"confidence"`
	RootCause  string    `json:"root_cause,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Error      string    `json:"error,omitempty"`
}

// DiagnosisIteration 对应索引 itops_diagnosis_iteration。
// 每次进入诊断流水线产生一条迭代，记录完整的步骤轨迹与证据摘要。
type DiagnosisIteration struct {
	IterationID        uint64          `json:"iteration_id"`
	RecordID           uint64          `json:"record_id"`
	Sequence           int             `json:"sequence"` // 同一记录内从 1 递增
	IterationStatus    IterationStatus `json:"iteration_status"`
	TriggeredBy        string          `json:"triggered_by"` // api/webhook/feedback
	FeedbackText       string          `json:"feedback_text,omitempty"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time"`
	RuleFindings       []Finding       `json:"rule_findings,omitempty"`
	EvidenceDigest     string          `json:"evidence_digest,omitempty"` // 基础证据摘要文本
	Steps              []StepRecord    `json:"steps"`
	FinalConfidence    float64         `json:"final_confidence"`
	ConfidenceSource   string          `json:"confidence_source,omitempty"`
	RootCause          string          `json:"root_cause,omitempty"`
	FiveWhy            []string        `json:"five_why,omitempty"`
	EvidenceChain      []string        `json:"evidence_chain,omitempty"`
	Recommendations    Recommendations `json:"recommendations"`
	KnowledgeDocIDs    []string        `json:"knowledge_doc_ids,omitempty"`
	ExpandedResources  []string        `json:"expanded_resources,omitempty"` // kind/namespace/name
	WebSearchQuery     string          `json:"web_search_query,omitempty"`
	FailureReason      FailureReason   `json:"failure_reason,omitempty"`
	FailureDescription string          `json:"failure_description,omitempty"`
}

// StepRan 返回指定步骤的执行记录，未执行时第二个返回值为 false。
func (it *DiagnosisIteration) StepRan(step string) (StepRecord, bool) {
	for _, s := range it.Steps {
		if s.Step == step && s.Ran {
			return s, true
		}
	}
	return StepRecord{}, false
}
