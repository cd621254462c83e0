package diagnosis

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/module/rules"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/slice"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/timex"
)

// runOptions 单次迭代的执行选项。反馈迭代会强制压低初判置信度并设置最少步骤数。
type runOptions struct {
	triggeredBy      string
	feedbackText     string
	hasForcedInitial bool
	forcedInitial    float64
	minSteps         int // 至少执行的推理步骤数，防止反馈迭代立即收敛
}

// reasoningSteps 推理步骤的固定执行顺序。
var reasoningSteps = []string{
	domain.StepInitialAnalysis,
	domain.StepKnowledgeSearch,
	domain.StepExpandedScope,
	domain.StepWebSearch,
}

// runDiagnosis 执行一次完整的诊断迭代：取锁、建迭代、跑步骤、落结论。
func (s *Service) runDiagnosis(ctx context.Context, recordID uint64, opts runOptions) error {
	startTime := timex.NowLocalTime()
	cfg := s.getConfig().AppConfig

	record, err := s.repos.Record().QueryByID(ctx, recordID)
	if err != nil {
		return errors.Wrap(err, "查询诊断记录失败")
	}
	if record == nil {
		return errors.Errorf("诊断记录不存在: %d", recordID)
	}

	// 同一记录同一时刻只允许一个迭代
	acquired, err := s.locker.TryLock(ctx, recordID, cfg.Diagnosis.RunLockTTL)
	if err != nil {
		return errors.Wrap(err, "获取运行锁失败")
	}
	if !acquired {
		log.Infof("记录 %d 已有迭代在运行，跳过本次触发", recordID)
		return nil
	}
	defer func() {
		if err := s.locker.Unlock(context.Background(), recordID); err != nil {
			log.Warnf("释放运行锁失败 record_id=%d: %v", recordID, err)
		}
	}()

	if record.IterationCount >= cfg.Diagnosis.MaxIterations {
		log.Warnf("记录 %d 迭代次数已达上限 %d，转人工处理", recordID, cfg.Diagnosis.MaxIterations)
		return s.repos.Record().UpdateStatus(ctx, recordID, domain.RecordStatusPendingHuman, domain.FailureReasonNone)
	}

	if err := s.repos.Record().UpdateStatus(ctx, recordID, domain.RecordStatusRunning, domain.FailureReasonNone); err != nil {
		return errors.Wrap(core.ErrPersistence, err.Error())
	}

	triggeredBy := opts.triggeredBy
	if triggeredBy == "" || triggeredBy == domain.SourceAPI {
		triggeredBy = record.Source
	}
	iteration := &domain.DiagnosisIteration{
		IterationID:     s.idGen.NextID(),
		RecordID:        recordID,
		Sequence:        record.IterationCount + 1,
		IterationStatus: domain.IterationStatusRunning,
		TriggeredBy:     triggeredBy,
		FeedbackText:    opts.feedbackText,
		StartTime:       startTime,
	}

	log.Infof("========== 诊断开始 record_id=%d iteration=%d sequence=%d ==========",
		recordID, iteration.IterationID, iteration.Sequence)

	s.runIteration(ctx, record, iteration, opts)
	iteration.EndTime = timex.NowLocalTime()

	if err := s.repos.Iteration().Upsert(ctx, *iteration); err != nil {
		log.Errorf("迭代落盘失败 record_id=%d: %+v", recordID, err)
		_ = s.repos.Record().UpdateStatus(ctx, recordID, domain.RecordStatusFailed, domain.FailureReasonPersistence)
		return errors.Wrap(core.ErrPersistence, err.Error())
	}

	if err := s.persistConclusion(ctx, record, iteration); err != nil {
		_ = s.repos.Record().UpdateStatus(ctx, recordID, domain.RecordStatusFailed, domain.FailureReasonPersistence)
		return errors.Wrap(core.ErrPersistence, err.Error())
	}

	log.Infof("========== 诊断结束 record_id=%d 状态=%s 置信度=%.2f 来源=%s ==========",
		recordID, iteration.IterationStatus, iteration.FinalConfidence, iteration.ConfidenceSource)
	return nil
}

// runIteration 执行迭代内的全部步骤，结果写入 iteration。
// 采集类失败按故障分类落在迭代上，不向上抛错。
func (s *Service) runIteration(ctx context.Context, record *domain.DiagnosisRecord, iteration *domain.DiagnosisIteration, opts runOptions) {
	cfg := s.getConfig().AppConfig
	threshold := cfg.Diagnosis.ConfidenceThreshold
	target := targetOf(record)
	trail := s.newTrail(ctx, record.RecordID, iteration.IterationID)

	trail.append(ctx, domain.MemoryKindSymptom, record.Symptom)

	bundle, err := s.collector.CollectBase(ctx, target)
	if err != nil {
		iteration.IterationStatus = domain.IterationStatusFailed
		iteration.FailureReason = failureReasonOf(err)
		iteration.FailureDescription = err.Error()
		trail.append(ctx, domain.MemoryKindError, fmt.Sprintf("基础证据采集失败: %v", err))
		log.Errorf("基础证据采集失败 record_id=%d: %+v", record.RecordID, err)
		return
	}
	// 单路证据源故障不阻断诊断，按空证据降级并留痕
	for _, se := range bundle.SourceErrors {
		trail.append(ctx, domain.MemoryKindError, fmt.Sprintf("证据源 %s 采集失败: %s", se.Source, se.Message))
	}
	if len(bundle.Logs) > 0 {
		trail.append(ctx, domain.MemoryKindLog, fmt.Sprintf("采集到 %d 行日志（实时 tail=%v）", len(bundle.Logs), bundle.LogsFromTail))
	}
	if len(bundle.Metrics) > 0 {
		trail.append(ctx, domain.MemoryKindMetric, fmt.Sprintf("采集到 %d 条指标序列", len(bundle.Metrics)))
	}

	// 规则判定不消耗推理配额，始终执行
	ruleStart := timex.NowLocalTime()
	findings := rules.NewEngine(cfg.Rules).Evaluate(bundle)
	iteration.RuleFindings = findings
	iteration.Steps = append(iteration.Steps, domain.StepRecord{
		Step:      domain.StepRuleEngine,
		Ran:       true,
		Summary:   summarizeFindings(findings),
		StartTime: ruleStart,
		EndTime:   timex.NowLocalTime(),
	})
	trail.append(ctx, domain.MemoryKindRule, summarizeFindings(findings))

	digest := buildEvidenceDigest(bundle, findings)
	iteration.EvidenceDigest = digest
	memories := s.loadMemories(ctx, record.RecordID, cfg.Diagnosis.MemoryLimit)

	verdicts := make(map[string]*domain.Verdict)
	var searchQuery string

	for i, step := range reasoningSteps {
		mustRun := i < opts.minSteps
		if !mustRun && anyQualified(iteration.Steps, threshold) {
			break
		}

		var sr domain.StepRecord
		switch step {
		case domain.StepInitialAnalysis:
			sr = s.stepInitialAnalysis(ctx, record, iteration, digest, memories, opts, verdicts)
		case domain.StepKnowledgeSearch:
			searchQuery = s.buildSearchQuery(ctx, record, digest, findings)
			sr = s.stepKnowledgeSearch(ctx, iteration, digest, searchQuery, cfg.Diagnosis.KnowledgeTopK, verdicts)
		case domain.StepExpandedScope:
			sr = s.stepExpandedScope(ctx, target, iteration, digest, verdicts)
		case domain.StepWebSearch:
			sr = s.stepWebSearch(ctx, iteration, digest, searchQuery, verdicts)
		}
		iteration.Steps = append(iteration.Steps, sr)
		if sr.Error != "" {
			trail.append(ctx, domain.MemoryKindError, fmt.Sprintf("[%s] %s: %s", sr.Step, sr.Summary, sr.Error))
		} else {
			trail.append(ctx, memoryKindOfStep(sr.Step), fmt.Sprintf("[%s] %s", sr.Step, sr.Summary))
		}
	}

	finalizeIteration(iteration, verdicts, cfg.Diagnosis.StepPriority, threshold)

	if iteration.IterationStatus == domain.IterationStatusFailed {
		return
	}
	// 收敛结论写入长期记忆，供后续迭代拼接上下文
	if iteration.RootCause != "" {
		conclusion := fmt.Sprintf("结论（置信度 %.2f，来源 %s）: %s", iteration.FinalConfidence, iteration.ConfidenceSource, iteration.RootCause)
		if condensed, err := s.summary.Summarize(ctx, conclusion); err == nil && condensed != "" {
			conclusion = condensed
		}
		trail.append(ctx, domain.MemoryKindLLM, conclusion)
	}
}

// memoryKindOfStep 推理步骤到记忆类型的映射。
func memoryKindOfStep(step string) domain.MemoryKind {
	switch step {
	case domain.StepKnowledgeSearch:
		return domain.MemoryKindKnowledge
	case domain.StepExpandedScope:
		return domain.MemoryKindK8sResource
	case domain.StepWebSearch:
		return domain.MemoryKindSearch
	default:
		return domain.MemoryKindLLM
	}
}

// stepInitialAnalysis 步骤1：基于基础证据初判，提示词要求日志优先归因。
func (s *Service) stepInitialAnalysis(
	ctx context.Context,
	record *domain.DiagnosisRecord,
	iteration *domain.DiagnosisIteration,
	digest string,
	memories []domain.DiagnosisMemory,
	opts runOptions,
	verdicts map[string]*domain.Verdict,
) domain.StepRecord {
	prompt := buildInitialPrompt(record.Symptom, digest, memories, opts.feedbackText)
	sr := s.analyze(ctx, domain.StepInitialAnalysis, prompt, verdicts)
	if opts.hasForcedInitial && sr.Confidence > opts.forcedInitial {
		log.Infof("记录 %d 反馈迭代，初判置信度 %.2f 强制压为 %.2f", record.RecordID, sr.Confidence, opts.forcedInitial)
		sr.Confidence = opts.forcedInitial
		if v := verdicts[domain.StepInitialAnalysis]; v != nil {
			v.Confidence = opts.forcedInitial
		}
	}
	return sr
}

// stepKnowledgeSearch 步骤2：混合检索知识库并复判相关性。
func (s *Service) stepKnowledgeSearch(
	ctx context.Context,
	iteration *domain.DiagnosisIteration,
	digest string,
	query string,
	topK int,
	verdicts map[string]*domain.Verdict,
) domain.StepRecord {
	start := timex.NowLocalTime()

	vector, err := s.embedding.Embed(ctx, query)
	if err != nil {
		// 向量缺失退化为纯词法检索
		log.Warnf("检索词向量计算失败: %v", err)
		vector = nil
	}
	docs, err := s.repos.Knowledge().Search(ctx, query, vector, topK)
	if err != nil {
		log.Warnf("知识库检索失败: %v", err)
		return domain.StepRecord{
			Step: domain.StepKnowledgeSearch, Ran: true,
			Summary: "知识库检索失败", Error: err.Error(),
			StartTime: start, EndTime: timex.NowLocalTime(),
		}
	}
	if len(docs) == 0 {
		return domain.StepRecord{
			Step: domain.StepKnowledgeSearch, Ran: true,
			Summary:   "知识库无相关条目",
			StartTime: start, EndTime: timex.NowLocalTime(),
		}
	}

	for _, d := range docs {
		iteration.KnowledgeDocIDs = slice.AppendUniqueString(iteration.KnowledgeDocIDs, d.DocID)
	}
	sr := s.analyze(ctx, domain.StepKnowledgeSearch, buildKnowledgePrompt(digest, docs), verdicts)
	sr.StartTime = start
	return sr
}

// stepExpandedScope 步骤3：扩大采集范围后复判。知识库内容已被判定低置信，不再携带。
func (s *Service) stepExpandedScope(
	ctx context.Context,
	target domain.DiagnosisTarget,
	iteration *domain.DiagnosisIteration,
	digest string,
	verdicts map[string]*domain.Verdict,
) domain.StepRecord {
	start := timex.NowLocalTime()

	related, err := s.collector.CollectExpanded(ctx, target)
	if err != nil {
		log.Warnf("扩大范围采集失败: %s, %v", target.String(), err)
		return domain.StepRecord{
			Step: domain.StepExpandedScope, Ran: true,
			Summary: "扩大范围采集失败", Error: err.Error(),
			StartTime: start, EndTime: timex.NowLocalTime(),
		}
	}
	for _, snap := range related.Snapshots {
		name := fmt.Sprintf("%s/%s/%s", snap.Kind, snap.Namespace, snap.Name)
		iteration.ExpandedResources = slice.AppendUniqueString(iteration.ExpandedResources, name)
	}

	sr := s.analyze(ctx, domain.StepExpandedScope, buildExpandedPrompt(digest, related), verdicts)
	sr.StartTime = start
	return sr
}

// stepWebSearch 步骤4：外部检索兜底。无结果不算错误，按零置信度处理。
func (s *Service) stepWebSearch(
	ctx context.Context,
	iteration *domain.DiagnosisIteration,
	digest string,
	query string,
	verdicts map[string]*domain.Verdict,
) domain.StepRecord {
	start := timex.NowLocalTime()
	iteration.WebSearchQuery = query

	results, err := s.websearch.Search(ctx, query, 5)
	if err != nil {
		log.Warnf("外部检索失败: %v", err)
		return domain.StepRecord{
			Step: domain.StepWebSearch, Ran: true,
			Summary: "外部检索失败", Error: err.Error(),
			StartTime: start, EndTime: timex.NowLocalTime(),
		}
	}
	if len(results) == 0 {
		return domain.StepRecord{
			Step: domain.StepWebSearch, Ran: true,
			Summary:   "外部检索无结果",
			StartTime: start, EndTime: timex.NowLocalTime(),
		}
	}

	sr := s.analyze(ctx, domain.StepWebSearch, buildWebSearchPrompt(digest, results), verdicts)
	sr.StartTime = start
	return sr
}

// analyze 调用推理智能体并转成步骤记录。推理失败按零置信度处理，不中断流水线。
func (s *Service) analyze(ctx context.Context, step, prompt string, verdicts map[string]*domain.Verdict) domain.StepRecord {
	start := timex.NowLocalTime()
	verdict, err := s.reasoning.Analyze(ctx, prompt)
	if err != nil {
		log.Warnf("推理步骤 %s 失败: %v", step, err)
		return domain.StepRecord{
			Step: step, Ran: true,
			Summary: "推理调用失败", Error: err.Error(),
			StartTime: start, EndTime: timex.NowLocalTime(),
		}
	}
	verdicts[step] = verdict
	return domain.StepRecord{
		Step:       step,
		Ran:        true,
		Confidence: verdict.Confidence,
		RootCause:  verdict.RootCause,
		Summary:    verdict.Analysis,
		StartTime:  start,
		EndTime:    timex.NowLocalTime(),
	}
}

// buildSearchQuery 步骤2的检索词：优先让摘要智能体压缩证据，失败时用现象与首条判定拼接。
func (s *Service) buildSearchQuery(ctx context.Context, record *domain.DiagnosisRecord, digest string, findings []domain.Finding) string {
	query, err := s.summary.Summarize(ctx, fmt.Sprintf("请将以下诊断证据压缩为一句检索词：\n%s", digest))
	if err == nil && query != "" {
		return query
	}
	if err != nil {
		log.Warnf("检索词生成失败，使用现象拼接: %v", err)
	}
	if len(findings) > 0 {
		return fmt.Sprintf("%s %s %s", record.TargetKind, record.Symptom, findings[0].Rule)
	}
	return fmt.Sprintf("%s %s", record.TargetKind, record.Symptom)
}

func (s *Service) loadMemories(ctx context.Context, recordID uint64, limit int) []domain.DiagnosisMemory {
	memories, err := s.repos.Memory().QueryByRecordID(ctx, recordID, limit)
	if err != nil {
		log.Warnf("查询历史记忆失败 record_id=%d: %v", recordID, err)
		return nil
	}
	return memories
}

// persistConclusion 将迭代结论回写到记录。
// 收敛为 completed 的记录随后异步提交知识沉淀。
func (s *Service) persistConclusion(ctx context.Context, record *domain.DiagnosisRecord, iteration *domain.DiagnosisIteration) error {
	record.IterationCount = iteration.Sequence
	record.LatestIterationID = iteration.IterationID
	record.RecordUpdateTime = timex.NowLocalTime()
	record.RootCause = iteration.RootCause
	record.FiveWhy = iteration.FiveWhy
	record.EvidenceChain = iteration.EvidenceChain
	record.Recommendations = iteration.Recommendations
	record.KnowledgeRefs = iteration.KnowledgeDocIDs
	record.Confidence = iteration.FinalConfidence
	record.ConfidenceSource = iteration.ConfidenceSource
	record.FailureReason = iteration.FailureReason

	switch iteration.IterationStatus {
	case domain.IterationStatusFailed:
		record.RecordStatus = domain.RecordStatusFailed
	case domain.IterationStatusSucceeded:
		if iteration.FinalConfidence >= s.getConfig().AppConfig.Diagnosis.ConfidenceThreshold {
			record.RecordStatus = domain.RecordStatusCompleted
		} else {
			record.RecordStatus = domain.RecordStatusPendingHuman
		}
	default:
		record.RecordStatus = domain.RecordStatusFailed
	}

	if err := s.repos.Record().UpdateConclusion(ctx, *record); err != nil {
		return errors.Wrap(err, "回写诊断结论失败")
	}
	if record.RecordStatus == domain.RecordStatusCompleted {
		s.offerSediment(*record)
	}
	return nil
}

// finalizeIteration 置信度只向前流动：按采纳顺序取第一个达标步骤；
// 无达标步骤时取已执行步骤的最高置信度并转人工。
func finalizeIteration(iteration *domain.DiagnosisIteration, verdicts map[string]*domain.Verdict, priority []string, threshold float64) {
	// 全部推理步骤都失败时按推理故障结束迭代
	if allReasoningFailed(iteration.Steps) {
		iteration.IterationStatus = domain.IterationStatusFailed
		iteration.FailureReason = domain.FailureReasonReasoning
		iteration.FailureDescription = "全部推理步骤失败"
		return
	}

	source, confidence := pickConfidence(iteration.Steps, priority, threshold)
	iteration.FinalConfidence = confidence
	iteration.ConfidenceSource = source
	if v := verdicts[source]; v != nil {
		iteration.RootCause = v.RootCause
		iteration.FiveWhy = v.FiveWhy
		iteration.EvidenceChain = v.EvidenceChain
		iteration.Recommendations = v.Recommendations
	}
	iteration.IterationStatus = domain.IterationStatusSucceeded
}

// pickConfidence 先按采纳顺序找第一个达标步骤；都不达标时取最高置信度兜底。
func pickConfidence(steps []domain.StepRecord, priority []string, threshold float64) (string, float64) {
	for _, name := range priority {
		for _, sr := range steps {
			if sr.Step == name && sr.Ran && sr.Error == "" && sr.Confidence >= threshold {
				return sr.Step, sr.Confidence
			}
		}
	}

	var bestStep string
	var best float64
	for _, sr := range steps {
		if sr.Step == domain.StepRuleEngine || !sr.Ran || sr.Error != "" {
			continue
		}
		if sr.Confidence > best || bestStep == "" {
			best = sr.Confidence
			bestStep = sr.Step
		}
	}
	return bestStep, best
}

// anyQualified 判断是否已有推理步骤达标，用于步骤闸控。
func anyQualified(steps []domain.StepRecord, threshold float64) bool {
	for _, sr := range steps {
		if sr.Step == domain.StepRuleEngine {
			continue
		}
		if sr.Ran && sr.Error == "" && sr.Confidence >= threshold {
			return true
		}
	}
	return false
}

// allReasoningFailed 是否所有执行过的推理步骤都以错误结束。
func allReasoningFailed(steps []domain.StepRecord) bool {
	ran := 0
	failed := 0
	for _, sr := range steps {
		if sr.Step == domain.StepRuleEngine || !sr.Ran {
			continue
		}
		ran++
		if sr.Error != "" {
			failed++
		}
	}
	return ran > 0 && ran == failed
}

func failureReasonOf(err error) domain.FailureReason {
	switch {
	case errors.Is(err, core.ErrCollectorUnavailable):
		return domain.FailureReasonCollectorUnavailable
	case errors.Is(err, core.ErrNoBaseEvidence):
		return domain.FailureReasonNoBaseEvidence
	case errors.Is(err, core.ErrReasoning):
		return domain.FailureReasonReasoning
	case errors.Is(err, core.ErrPersistence):
		return domain.FailureReasonPersistence
	default:
		return domain.FailureReasonCollectorUnavailable
	}
}

func targetOf(record *domain.DiagnosisRecord) domain.DiagnosisTarget {
	return domain.DiagnosisTarget{
		ClusterID: record.ClusterID,
		Kind:      record.TargetKind,
		Namespace: record.TargetNamespace,
		Name:      record.TargetName,
	}
}

// summarizeFindings 将规则判定压缩为一句话摘要。
func summarizeFindings(findings []domain.Finding) string {
	if len(findings) == 0 {
		return "规则引擎未发现异常"
	}
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		names = append(names, f.Rule)
	}
	return fmt.Sprintf("规则引擎命中 %d 条判定: %v", len(findings), names)
}
