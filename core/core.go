package core

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

// 错误分类哨兵。各层用 errors.Wrap 包装后沿调用链上抛，
// 诊断模块按分类落盘 FailureReason。
var (
	ErrCollectorUnavailable = errors.New("collector unavailable")
	ErrNoBaseEvidence       = errors.New("no base evidence")
	ErrReasoning            = errors.New("reasoning error")
	ErrPersistence          = errors.New("persistence error")
)

// KafkaProducer 生产 Kafka 消息。
type KafkaProducer interface {
	PublishTrigger(ctx context.Context, key string, value []byte) error
	Close() error
}

// KafkaConsumer 顺序消费 topic itops_diagnosis_trigger。
type KafkaConsumer interface {
	ConsumeTriggers(ctx context.Context, handler func(ctx context.Context, msg KafkaMessage) error) error
	Close() error
}

// KafkaMessage 表示消费到的 Kafka 消息。
type KafkaMessage struct {
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// RecordRepository 管理 itops_diagnosis_record 索引。
type RecordRepository interface {
	Upsert(ctx context.Context, record domain.DiagnosisRecord) error
	QueryByID(ctx context.Context, id uint64) (*domain.DiagnosisRecord, error)
	QueryByIDs(ctx context.Context, ids []uint64) ([]domain.DiagnosisRecord, error)
	FindOpenByTarget(ctx context.Context, target domain.DiagnosisTarget) (*domain.DiagnosisRecord, error)
	List(ctx context.Context, clusterID string, status domain.RecordStatus, from, size int) ([]domain.DiagnosisRecord, int64, error)
	UpdateStatus(ctx context.Context, id uint64, status domain.RecordStatus, reason domain.FailureReason) error
	UpdateConclusion(ctx context.Context, record domain.DiagnosisRecord) error
}

// IterationRepository 管理 itops_diagnosis_iteration 索引。
type IterationRepository interface {
	Upsert(ctx context.Context, it domain.DiagnosisIteration) error
	QueryByID(ctx context.Context, id uint64) (*domain.DiagnosisIteration, error)
	QueryByRecordID(ctx context.Context, recordID uint64) ([]domain.DiagnosisIteration, error)
	LatestByRecordID(ctx context.Context, recordID uint64) (*domain.DiagnosisIteration, error)
}

// MemoryRepository 管理 itops_diagnosis_memory 索引。
type MemoryRepository interface {
	Append(ctx context.Context, m domain.DiagnosisMemory) error
	QueryByRecordID(ctx context.Context, recordID uint64, limit int) ([]domain.DiagnosisMemory, error)
}

// KnowledgeRepository 管理 itops_diagnosis_knowledge 索引，支持词法与向量混合检索。
type KnowledgeRepository interface {
	Upsert(ctx context.Context, doc domain.KnowledgeDoc) error
	Search(ctx context.Context, query string, vector []float32, topK int) ([]domain.ScoredKnowledgeDoc, error)
}

type RepositoryFactory interface {
	Record() RecordRepository
	Iteration() IterationRepository
	Memory() MemoryRepository
	Knowledge() KnowledgeRepository
}

// ResourceCollector 访问 K8s API Server，采集对象快照与事件。
type ResourceCollector interface {
	// Available 探测采集端连通性，不可用时诊断直接失败。
	Available(ctx context.Context) error
	Snapshot(ctx context.Context, target domain.DiagnosisTarget) (*domain.ResourceSnapshot, error)
	Events(ctx context.Context, target domain.DiagnosisTarget) ([]domain.EventRecord, error)
	// ExpandRelated 按属主引用与标签选择器扩大采集范围。
	ExpandRelated(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error)
	// LiveTail 读取目标容器最近的若干行实时日志。
	LiveTail(ctx context.Context, target domain.DiagnosisTarget, lines int) ([]domain.LogLine, error)
	// IsLive 判断目标当前是否能直接 tail（Pod 存活且容器可读）。
	IsLive(ctx context.Context, target domain.DiagnosisTarget) bool
}

// LogSource 按对象与时间窗查询日志。实时 tail 与日志库检索共用此抽象。
type LogSource interface {
	Query(ctx context.Context, target domain.DiagnosisTarget, start, end time.Time, limit int) ([]domain.LogLine, error)
}

// MetricSource 查询目标对象的关键指标序列。
type MetricSource interface {
	Query(ctx context.Context, target domain.DiagnosisTarget, start, end time.Time) ([]domain.MetricSeries, error)
}

// WebSearcher 外部检索，仅在低置信度兜底时调用。
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.WebSearchResult, error)
}

// ReasoningAgent 调用大模型对证据做根因判定。
type ReasoningAgent interface {
	Analyze(ctx context.Context, prompt string) (*domain.Verdict, error)
}

// SummaryAgent 将证据与结论压缩为可入库的记忆片段。
type SummaryAgent interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// EmbeddingAgent 计算文本向量，供知识库 knn 检索。
type EmbeddingAgent interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RunLocker 保证同一记录同一时刻只有一个迭代在运行。
type RunLocker interface {
	TryLock(ctx context.Context, recordID uint64, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, recordID uint64) error
}

// DiagnosisHandler 是触发入口的下游处理器。
type DiagnosisHandler interface {
	HandleTrigger(ctx context.Context, trigger domain.DiagnosisTrigger) error
	HandleFeedback(ctx context.Context, fb domain.FeedbackRequest) error
}
