package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/kafka"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/idgen"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/timex"
)

// 反馈迭代强制压低的步骤1置信度。人工否定过的结论不允许原样提前收敛。
const feedbackForcedConfidence = 0.5

// EvidenceCollector 基础证据与扩大范围采集的编排入口。
type EvidenceCollector interface {
	CollectBase(ctx context.Context, target domain.DiagnosisTarget) (*domain.EvidenceBundle, error)
	CollectExpanded(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error)
}

// Service 诊断编排器。从 Kafka 消费触发消息，按置信度闸控逐步执行
// 规则判定、初判、知识检索、扩大范围与外部检索，收敛后落盘结论。
type Service struct {
	getConfig func() *config.Config
	repos     core.RepositoryFactory
	collector EvidenceCollector
	reasoning core.ReasoningAgent
	summary   core.SummaryAgent
	embedding core.EmbeddingAgent
	websearch core.WebSearcher
	locker    core.RunLocker
	idGen     *idgen.Generator

	kafkaConsumer core.KafkaConsumer
	background    sync.WaitGroup // 异步知识沉淀等后台任务
}

var _ core.DiagnosisHandler = (*Service)(nil)

// New 创建诊断服务，并建立触发流的 Kafka 消费者。
func New(
	getConfig func() *config.Config,
	repos core.RepositoryFactory,
	collector EvidenceCollector,
	reasoning core.ReasoningAgent,
	summary core.SummaryAgent,
	embedding core.EmbeddingAgent,
	websearch core.WebSearcher,
	locker core.RunLocker,
	idGen *idgen.Generator,
) (*Service, error) {
	cfg := getConfig()
	consumer, err := kafka.NewConsumer(kafka.Config{
		Brokers: []string{fmt.Sprintf("%s:%d", cfg.DepServices.MQ.MQHost, cfg.DepServices.MQ.MQPort)},
		SASL: &kafka.SASLConfig{
			Enabled:  true,
			Username: cfg.DepServices.MQ.Auth.Username,
			Password: cfg.DepServices.MQ.Auth.Password,
		},
		Topic:   cfg.Kafka.Triggers.Topic,
		GroupID: cfg.Kafka.Triggers.ConsumerGroup,
	})
	if err != nil {
		return nil, errors.Wrap(err, "初始化诊断触发 Kafka Consumer 失败")
	}

	return &Service{
		getConfig:     getConfig,
		repos:         repos,
		collector:     collector,
		reasoning:     reasoning,
		summary:       summary,
		embedding:     embedding,
		websearch:     websearch,
		locker:        locker,
		idGen:         idGen,
		kafkaConsumer: consumer,
	}, nil
}

// Start 启动触发消费循环，阻塞到 ctx 结束。
func (s *Service) Start(ctx context.Context) error {
	if s.kafkaConsumer == nil {
		return errors.New("kafka consumer not configured")
	}

	log.Infof("诊断服务启动，开始监听触发消息")

	handler := func(msgCtx context.Context, msg core.KafkaMessage) error {
		var trigger domain.DiagnosisTrigger
		if err := json.Unmarshal(msg.Value, &trigger); err != nil {
			log.Debugf("诊断触发消息解析失败: %v", err)
			return nil
		}
		if trigger.RecordID == 0 {
			log.Warnf("诊断触发消息不合法: %s", utils.JsonEncode(trigger))
			return nil
		}
		if err := s.HandleTrigger(msgCtx, trigger); err != nil {
			log.Errorf("诊断处理失败 record_id=%d: %+v", trigger.RecordID, err)
		}
		return nil
	}
	return s.kafkaConsumer.ConsumeTriggers(ctx, handler)
}

func (s *Service) Close() error {
	log.Infof("诊断服务正在关闭")
	if s.kafkaConsumer != nil {
		if err := s.kafkaConsumer.Close(); err != nil {
			return errors.Wrap(err, "关闭诊断 Kafka 消费者失败")
		}
	}
	s.background.Wait()
	log.Infof("诊断服务关闭成功")
	return nil
}

// HandleTrigger 处理一条诊断触发，执行完整的诊断迭代。
func (s *Service) HandleTrigger(ctx context.Context, trigger domain.DiagnosisTrigger) error {
	return s.runDiagnosis(ctx, trigger.RecordID, runOptions{triggeredBy: domain.SourceAPI})
}

// HandleFeedback 处理人工反馈。
// confirmed 沉淀知识并关闭记录；continue_investigation 以强制选项开启新迭代；
// custom 仅作为记忆留痕。
func (s *Service) HandleFeedback(ctx context.Context, fb domain.FeedbackRequest) error {
	if fb.RecordID == 0 {
		return errors.New("record_id 不能为空")
	}
	record, err := s.repos.Record().QueryByID(ctx, fb.RecordID)
	if err != nil {
		return errors.Wrap(err, "查询诊断记录失败")
	}
	if record == nil {
		return errors.Errorf("诊断记录不存在: %d", fb.RecordID)
	}
	if !record.RecordStatus.Terminal() {
		return errors.Errorf("记录 %d 仍在诊断中，暂不接受反馈", fb.RecordID)
	}

	trail := s.newTrail(ctx, record.RecordID, record.LatestIterationID)
	trail.append(ctx, domain.MemoryKindHumanFeedback,
		fmt.Sprintf("人工反馈（%s，%s）: %s", fb.Operator, fb.Type, fb.Comment))

	switch fb.Type {
	case domain.FeedbackConfirmed:
		return s.confirmRecord(ctx, record)
	case domain.FeedbackContinue:
		log.Infof("记录 %d 收到继续排查反馈，开启新迭代", fb.RecordID)
		opts := runOptions{
			triggeredBy:      domain.SourceFeedback,
			feedbackText:     fb.Comment,
			hasForcedInitial: true,
			forcedInitial:    feedbackForcedConfidence,
			minSteps:         s.getConfig().AppConfig.Diagnosis.FeedbackMinSteps,
		}
		return s.runDiagnosis(ctx, fb.RecordID, opts)
	case domain.FeedbackCustom:
		return nil
	default:
		return errors.Errorf("未知的反馈类型: %s", fb.Type)
	}
}

// confirmRecord 采纳结论：未沉淀过的结论写入知识库，记录置为完成。
func (s *Service) confirmRecord(ctx context.Context, record *domain.DiagnosisRecord) error {
	if record.RootCause != "" && !record.Sedimented {
		if err := s.sedimentKnowledge(ctx, record); err != nil {
			// 沉淀失败不影响记录关闭
			log.Warnf("结论沉淀知识库失败 record_id=%d: %v", record.RecordID, err)
		}
	}
	if record.RecordStatus == domain.RecordStatusCompleted {
		return nil
	}
	if err := s.repos.Record().UpdateStatus(ctx, record.RecordID, domain.RecordStatusCompleted, domain.FailureReasonNone); err != nil {
		return errors.Wrap(core.ErrPersistence, err.Error())
	}
	return nil
}

// offerSediment 诊断收敛后异步沉淀结论，不阻塞流水线收尾。
func (s *Service) offerSediment(record domain.DiagnosisRecord) {
	if record.RootCause == "" || record.Sedimented {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.sedimentKnowledge(context.Background(), &record); err != nil {
			log.Warnf("结论异步沉淀失败 record_id=%d: %v", record.RecordID, err)
		}
	}()
}

// sedimentKnowledge 将结论写入知识库供后续诊断复用，成功后在记录上标记已沉淀。
func (s *Service) sedimentKnowledge(ctx context.Context, record *domain.DiagnosisRecord) error {
	content := fmt.Sprintf("现象: %s\n根因: %s\n处置建议:\n%s", record.Symptom, record.RootCause, record.Recommendations.Flatten())
	doc := domain.KnowledgeDoc{
		DocID:      fmt.Sprintf("kb_record_%d", record.RecordID),
		Title:      fmt.Sprintf("%s %s/%s: %s", record.TargetKind, record.TargetNamespace, record.TargetName, record.Symptom),
		Content:    content,
		Tags:       []string{record.TargetKind, record.Symptom},
		SourceURL:  "",
		UpdateTime: timex.NowLocalTime(),
	}
	if vector, err := s.embedding.Embed(ctx, content); err != nil {
		log.Warnf("结论向量计算失败 record_id=%d: %v", record.RecordID, err)
	} else {
		doc.Embedding = vector
	}
	if err := s.repos.Knowledge().Upsert(ctx, doc); err != nil {
		return err
	}

	record.Sedimented = true
	if err := s.repos.Record().UpdateConclusion(ctx, *record); err != nil {
		log.Warnf("回写沉淀标记失败 record_id=%d: %v", record.RecordID, err)
	}
	return nil
}

// memoryTrail 单个迭代内的记忆写入器，维护迭代内严格递增的序号。
type memoryTrail struct {
	svc         *Service
	recordID    uint64
	iterationID uint64
	next        int
}

// newTrail 创建记忆写入器。迭代已有记忆时序号接续已有条数。
func (s *Service) newTrail(ctx context.Context, recordID, iterationID uint64) *memoryTrail {
	next := 0
	if memories, err := s.repos.Memory().QueryByRecordID(ctx, recordID, 0); err == nil {
		for _, m := range memories {
			if m.IterationID == iterationID && m.Ordinal > next {
				next = m.Ordinal
			}
		}
	}
	return &memoryTrail{svc: s, recordID: recordID, iterationID: iterationID, next: next}
}

// append 追加记忆片段。写入失败只记日志，不影响主流程。
func (t *memoryTrail) append(ctx context.Context, kind domain.MemoryKind, content string) {
	if content == "" {
		return
	}
	t.next++
	m := domain.DiagnosisMemory{
		MemoryID:    t.svc.idGen.NextID(),
		RecordID:    t.recordID,
		IterationID: t.iterationID,
		Ordinal:     t.next,
		MemoryKind:  kind,
		Content:     content,
		CreateTime:  timex.NowLocalTime(),
	}
	if err := t.svc.repos.Memory().Append(ctx, m); err != nil {
		log.Warnf("写入诊断记忆失败 record_id=%d: %v", t.recordID, err)
	}
}
