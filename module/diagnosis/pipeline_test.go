package diagnosis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/idgen"
)

// ========== 测试桩 ==========

type fakeRecordRepo struct {
	records       map[uint64]domain.DiagnosisRecord
	statusUpdates []domain.RecordStatus
	upsertErr     error
	conclusionErr error
}

func (f *fakeRecordRepo) Upsert(ctx context.Context, r domain.DiagnosisRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.records[r.RecordID] = r
	return nil
}
func (f *fakeRecordRepo) QueryByID(ctx context.Context, id uint64) (*domain.DiagnosisRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
func (f *fakeRecordRepo) QueryByIDs(ctx context.Context, ids []uint64) ([]domain.DiagnosisRecord, error) {
	var out []domain.DiagnosisRecord
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeRecordRepo) FindOpenByTarget(ctx context.Context, target domain.DiagnosisTarget) (*domain.DiagnosisRecord, error) {
	return nil, nil
}
func (f *fakeRecordRepo) List(ctx context.Context, clusterID string, status domain.RecordStatus, from, size int) ([]domain.DiagnosisRecord, int64, error) {
	return nil, 0, nil
}
func (f *fakeRecordRepo) UpdateStatus(ctx context.Context, id uint64, status domain.RecordStatus, reason domain.FailureReason) error {
	r := f.records[id]
	r.RecordStatus = status
	r.FailureReason = reason
	f.records[id] = r
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}
func (f *fakeRecordRepo) UpdateConclusion(ctx context.Context, record domain.DiagnosisRecord) error {
	if f.conclusionErr != nil {
		return f.conclusionErr
	}
	f.records[record.RecordID] = record
	return nil
}

type fakeIterationRepo struct {
	iterations []domain.DiagnosisIteration
	upsertErr  error
}

func (f *fakeIterationRepo) Upsert(ctx context.Context, it domain.DiagnosisIteration) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.iterations = append(f.iterations, it)
	return nil
}
func (f *fakeIterationRepo) QueryByID(ctx context.Context, id uint64) (*domain.DiagnosisIteration, error) {
	for i := range f.iterations {
		if f.iterations[i].IterationID == id {
			return &f.iterations[i], nil
		}
	}
	return nil, nil
}
func (f *fakeIterationRepo) QueryByRecordID(ctx context.Context, recordID uint64) ([]domain.DiagnosisIteration, error) {
	var out []domain.DiagnosisIteration
	for _, it := range f.iterations {
		if it.RecordID == recordID {
			out = append(out, it)
		}
	}
	return out, nil
}
func (f *fakeIterationRepo) LatestByRecordID(ctx context.Context, recordID uint64) (*domain.DiagnosisIteration, error) {
	var latest *domain.DiagnosisIteration
	for i := range f.iterations {
		if f.iterations[i].RecordID == recordID {
			latest = &f.iterations[i]
		}
	}
	return latest, nil
}

type fakeMemoryRepo struct {
	memories []domain.DiagnosisMemory
}

func (f *fakeMemoryRepo) Append(ctx context.Context, m domain.DiagnosisMemory) error {
	f.memories = append(f.memories, m)
	return nil
}
func (f *fakeMemoryRepo) QueryByRecordID(ctx context.Context, recordID uint64, limit int) ([]domain.DiagnosisMemory, error) {
	var out []domain.DiagnosisMemory
	for _, m := range f.memories {
		if m.RecordID == recordID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeKnowledgeRepo struct {
	mu           sync.Mutex
	docs         []domain.ScoredKnowledgeDoc
	searchErr    error
	searchCalled bool
	upserted     []domain.KnowledgeDoc
}

func (f *fakeKnowledgeRepo) Upsert(ctx context.Context, doc domain.KnowledgeDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, doc)
	return nil
}

func (f *fakeKnowledgeRepo) upsertedDocs() []domain.KnowledgeDoc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.KnowledgeDoc(nil), f.upserted...)
}
func (f *fakeKnowledgeRepo) Search(ctx context.Context, query string, vector []float32, topK int) ([]domain.ScoredKnowledgeDoc, error) {
	f.searchCalled = true
	return f.docs, f.searchErr
}

type fakeRepoFactory struct {
	record    *fakeRecordRepo
	iteration *fakeIterationRepo
	memory    *fakeMemoryRepo
	knowledge *fakeKnowledgeRepo
}

func (f *fakeRepoFactory) Record() core.RecordRepository       { return f.record }
func (f *fakeRepoFactory) Iteration() core.IterationRepository { return f.iteration }
func (f *fakeRepoFactory) Memory() core.MemoryRepository       { return f.memory }
func (f *fakeRepoFactory) Knowledge() core.KnowledgeRepository { return f.knowledge }

type fakeCollector struct {
	bundle     *domain.EvidenceBundle
	baseErr    error
	related    *domain.RelatedResourceBundle
	relatedErr error
}

func (f *fakeCollector) CollectBase(ctx context.Context, target domain.DiagnosisTarget) (*domain.EvidenceBundle, error) {
	if f.baseErr != nil {
		return nil, f.baseErr
	}
	return f.bundle, nil
}
func (f *fakeCollector) CollectExpanded(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	if f.relatedErr != nil {
		return nil, f.relatedErr
	}
	return f.related, nil
}

// fakeReasoner 按提示词特征区分推理步骤，返回预设判定。
type fakeReasoner struct {
	byStep map[string]*domain.Verdict
	errs   map[string]error
	calls  []string
}

func stepOfPrompt(prompt string) string {
	switch {
	case strings.Contains(prompt, "知识库候选"):
		return domain.StepKnowledgeSearch
	case strings.Contains(prompt, "关联对象"):
		return domain.StepExpandedScope
	case strings.Contains(prompt, "外部检索结果"):
		return domain.StepWebSearch
	default:
		return domain.StepInitialAnalysis
	}
}

func (f *fakeReasoner) Analyze(ctx context.Context, prompt string) (*domain.Verdict, error) {
	step := stepOfPrompt(prompt)
	f.calls = append(f.calls, step)
	if err := f.errs[step]; err != nil {
		return nil, err
	}
	if v, ok := f.byStep[step]; ok {
		cp := *v
		return &cp, nil
	}
	return &domain.Verdict{RootCause: "unknown", Confidence: 0}, nil
}

type fakeSummary struct{ text string }

func (f *fakeSummary) Summarize(ctx context.Context, text string) (string, error) {
	if f.text == "" {
		return "", errors.New("summary disabled")
	}
	return f.text, nil
}

type fakeEmbedding struct{ vector []float32 }

func (f *fakeEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.vector == nil {
		return nil, errors.New("embedding disabled")
	}
	return f.vector, nil
}

type fakeWebSearcher struct {
	results []domain.WebSearchResult
	err     error
	called  bool
}

func (f *fakeWebSearcher) Search(ctx context.Context, query string, limit int) ([]domain.WebSearchResult, error) {
	f.called = true
	return f.results, f.err
}

type fakeLocker struct {
	acquired bool
	lockErr  error
}

func (f *fakeLocker) TryLock(ctx context.Context, recordID uint64, ttl time.Duration) (bool, error) {
	return f.acquired, f.lockErr
}
func (f *fakeLocker) Unlock(ctx context.Context, recordID uint64) error { return nil }

// ========== 测试环境 ==========

type testEnv struct {
	service   *Service
	repos     *fakeRepoFactory
	collector *fakeCollector
	reasoner  *fakeReasoner
	websearch *fakeWebSearcher
}

func newTestEnv() *testEnv {
	repos := &fakeRepoFactory{
		record:    &fakeRecordRepo{records: map[uint64]domain.DiagnosisRecord{}},
		iteration: &fakeIterationRepo{},
		memory:    &fakeMemoryRepo{},
		knowledge: &fakeKnowledgeRepo{},
	}
	collector := &fakeCollector{
		bundle: &domain.EvidenceBundle{
			Target: domain.DiagnosisTarget{ClusterID: "cluster-a", Kind: "Pod", Namespace: "default", Name: "web-0"},
			Logs:   []domain.LogLine{{Message: "some log"}},
		},
		related: &domain.RelatedResourceBundle{},
	}
	reasoner := &fakeReasoner{byStep: map[string]*domain.Verdict{}, errs: map[string]error{}}
	websearch := &fakeWebSearcher{}

	cfg := &config.Config{}
	cfg.AppConfig.Normalize()

	service := &Service{
		getConfig: func() *config.Config { return cfg },
		repos:     repos,
		collector: collector,
		reasoning: reasoner,
		summary:   &fakeSummary{text: "Pod CrashLoopBackOff 根因检索"},
		embedding: &fakeEmbedding{vector: []float32{0.1, 0.2}},
		websearch: websearch,
		locker:    &fakeLocker{acquired: true},
		idGen:     idgen.New(),
	}
	return &testEnv{service: service, repos: repos, collector: collector, reasoner: reasoner, websearch: websearch}
}

func (e *testEnv) seedRecord(status domain.RecordStatus) domain.DiagnosisRecord {
	record := domain.DiagnosisRecord{
		RecordID:        1001,
		ClusterID:       "cluster-a",
		TargetKind:      "Pod",
		TargetNamespace: "default",
		TargetName:      "web-0",
		Symptom:         "CrashLoopBackOff",
		Severity:        domain.SeverityMajor,
		Source:          domain.SourceAPI,
		RecordStatus:    status,
	}
	e.repos.record.records[record.RecordID] = record
	return record
}

func (e *testEnv) lastIteration() domain.DiagnosisIteration {
	return e.repos.iteration.iterations[len(e.repos.iteration.iterations)-1]
}

// waitBackground 等待异步沉淀完成，保证断言前记录状态已稳定。
func (e *testEnv) waitBackground() {
	e.service.background.Wait()
}

// ========== 流水线测试 ==========

func TestPipelineEarlyConvergence(t *testing.T) {
	Convey("步骤1达标即收敛", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusPending)
		env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{
			RootCause:       "zk 连接被拒绝",
			FiveWhy:         []string{"Pod 反复重启", "zk 客户端连接被拒绝"},
			EvidenceChain:   []string{"日志出现 connection refused"},
			Recommendations: domain.Recommendations{Immediate: []string{"检查 zk-hs 服务"}},
			Confidence:      0.9,
		}

		err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
		So(err, ShouldBeNil)
		env.waitBackground()

		record := env.repos.record.records[1001]
		So(record.RecordStatus, ShouldEqual, domain.RecordStatusCompleted)
		So(record.Confidence, ShouldEqual, 0.9)
		So(record.ConfidenceSource, ShouldEqual, domain.StepInitialAnalysis)
		So(record.RootCause, ShouldEqual, "zk 连接被拒绝")
		So(record.FiveWhy, ShouldResemble, []string{"Pod 反复重启", "zk 客户端连接被拒绝"})
		So(record.EvidenceChain, ShouldResemble, []string{"日志出现 connection refused"})
		So(record.Recommendations.Immediate, ShouldResemble, []string{"检查 zk-hs 服务"})

		// 后续步骤全部跳过，无多余调用与记忆
		it := env.lastIteration()
		So(len(it.Steps), ShouldEqual, 2) // rule_engine + initial_analysis
		So(env.repos.knowledge.searchCalled, ShouldBeFalse)
		So(env.websearch.called, ShouldBeFalse)
		for _, m := range env.repos.memory.memories {
			So(m.Content, ShouldNotContainSubstring, domain.StepKnowledgeSearch)
		}
	})
}

func TestPipelineKnowledgeQualifies(t *testing.T) {
	Convey("知识检索达标时采纳知识步骤置信度", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusPending)
		env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "可能是配置问题", Confidence: 0.4}
		env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{
			RootCause:       "历史案例：镜像仓库证书过期",
			Recommendations: domain.Recommendations{Root: []string{"更新证书"}},
			Confidence:      0.85,
		}
		env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
			{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1", Title: "镜像拉取失败案例"}, Score: 8.5},
		}

		err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
		So(err, ShouldBeNil)
		env.waitBackground()

		record := env.repos.record.records[1001]
		So(record.RecordStatus, ShouldEqual, domain.RecordStatusCompleted)
		So(record.Confidence, ShouldEqual, 0.85)
		So(record.ConfidenceSource, ShouldEqual, domain.StepKnowledgeSearch)
		So(record.KnowledgeRefs, ShouldResemble, []string{"kb_1"})

		it := env.lastIteration()
		So(it.KnowledgeDocIDs, ShouldResemble, []string{"kb_1"})
		_, expandedRan := it.StepRan(domain.StepExpandedScope)
		So(expandedRan, ShouldBeFalse)
	})
}

func TestPipelinePriorityOrder(t *testing.T) {
	Convey("多个步骤达标时按采纳顺序取第一个", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusCompleted)
		env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "初判", Confidence: 0.95}
		env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{RootCause: "知识案例", Confidence: 0.9}
		env.reasoner.byStep[domain.StepExpandedScope] = &domain.Verdict{RootCause: "扩展判定", Confidence: 0.95}
		env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
			{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1"}, Score: 5},
		}

		// 反馈迭代：初判被强制压为 0.5，最少执行 3 个推理步骤
		opts := runOptions{
			triggeredBy:      domain.SourceFeedback,
			hasForcedInitial: true,
			forcedInitial:    0.5,
			minSteps:         3,
		}
		err := env.service.runDiagnosis(context.Background(), 1001, opts)
		So(err, ShouldBeNil)
		env.waitBackground()

		record := env.repos.record.records[1001]
		// 知识步骤在采纳顺序中先于扩展步骤
		So(record.ConfidenceSource, ShouldEqual, domain.StepKnowledgeSearch)
		So(record.Confidence, ShouldEqual, 0.9)
		So(record.RootCause, ShouldEqual, "知识案例")
	})
}

func TestPipelineExpandedScopeScenario(t *testing.T) {
	Convey("CPU 高位场景：扩大范围后收敛", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusPending)
		env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "CPU 高但原因不明", Confidence: 0.4}
		env.reasoner.byStep[domain.StepExpandedScope] = &domain.Verdict{
			RootCause:       "容器未配置 CPU limit，挤占节点资源",
			Recommendations: domain.Recommendations{Preventive: []string{"补充 resources.limits"}},
			Confidence:      0.85,
		}
		// 知识库无结果
		env.repos.knowledge.docs = nil
		env.collector.related = &domain.RelatedResourceBundle{
			Snapshots: []domain.ResourceSnapshot{{Kind: "Node", Name: "node-1", Phase: "Ready"}},
		}

		err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
		So(err, ShouldBeNil)
		env.waitBackground()

		record := env.repos.record.records[1001]
		So(record.RecordStatus, ShouldEqual, domain.RecordStatusCompleted)
		So(record.Confidence, ShouldEqual, 0.85)
		So(record.ConfidenceSource, ShouldEqual, domain.StepExpandedScope)

		it := env.lastIteration()
		So(len(it.KnowledgeDocIDs), ShouldEqual, 0)
		So(it.ExpandedResources, ShouldContain, "Node//node-1")
	})
}

func TestPipelineNoConvergence(t *testing.T) {
	Convey("全部步骤不达标转人工", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusPending)
		env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "猜测A", Confidence: 0.3}
		env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{RootCause: "猜测B", Confidence: 0.5}
		env.reasoner.byStep[domain.StepExpandedScope] = &domain.Verdict{RootCause: "猜测C", Confidence: 0.45}
		env.reasoner.byStep[domain.StepWebSearch] = &domain.Verdict{RootCause: "猜测D", Confidence: 0.2}
		env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
			{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1"}, Score: 2},
		}
		env.websearch.results = []domain.WebSearchResult{{Title: "相似问题", URL: "https://example.com"}}

		err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
		So(err, ShouldBeNil)

		record := env.repos.record.records[1001]
		So(record.RecordStatus, ShouldEqual, domain.RecordStatusPendingHuman)
		// 兜底取已执行步骤的最高置信度
		So(record.Confidence, ShouldEqual, 0.5)
		So(record.ConfidenceSource, ShouldEqual, domain.StepKnowledgeSearch)

		it := env.lastIteration()
		So(len(it.Steps), ShouldEqual, 5) // rule_engine + 4 个推理步骤
		So(it.WebSearchQuery, ShouldNotBeEmpty)
	})
}

func TestPipelineFailureTaxonomy(t *testing.T) {
	Convey("故障分类落盘", t, func() {
		Convey("单路采集源失败降级继续诊断", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.collector.bundle.SourceErrors = []domain.SourceError{
				{Source: "k8s_resource", Message: "connection refused"},
			}
			env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "日志显示磁盘满", Confidence: 0.9}

			err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
			So(err, ShouldBeNil)
			env.waitBackground()

			// 资源快照缺失不终止诊断，仅留错误记忆
			record := env.repos.record.records[1001]
			So(record.RecordStatus, ShouldEqual, domain.RecordStatusCompleted)
			So(record.FailureReason, ShouldEqual, domain.FailureReasonNone)

			var degraded bool
			for _, m := range env.repos.memory.memories {
				if m.MemoryKind == domain.MemoryKindError && strings.Contains(m.Content, "k8s_resource") {
					degraded = true
				}
			}
			So(degraded, ShouldBeTrue)
		})

		Convey("无基础证据", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.collector.baseErr = errors.Wrap(core.ErrNoBaseEvidence, "日志与指标均不可用")

			err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
			So(err, ShouldBeNil)

			record := env.repos.record.records[1001]
			So(record.RecordStatus, ShouldEqual, domain.RecordStatusFailed)
			So(record.FailureReason, ShouldEqual, domain.FailureReasonNoBaseEvidence)

			it := env.lastIteration()
			So(it.IterationStatus, ShouldEqual, domain.IterationStatusFailed)
			So(it.FailureReason, ShouldEqual, domain.FailureReasonNoBaseEvidence)
		})

		Convey("全部推理步骤失败", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.reasoner.errs[domain.StepInitialAnalysis] = errors.New("agent down")
			env.reasoner.errs[domain.StepKnowledgeSearch] = errors.New("agent down")
			env.reasoner.errs[domain.StepExpandedScope] = errors.New("agent down")
			env.reasoner.errs[domain.StepWebSearch] = errors.New("agent down")
			env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
				{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1"}, Score: 2},
			}
			env.websearch.results = []domain.WebSearchResult{{Title: "x"}}

			err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
			So(err, ShouldBeNil)

			record := env.repos.record.records[1001]
			So(record.RecordStatus, ShouldEqual, domain.RecordStatusFailed)
			So(record.FailureReason, ShouldEqual, domain.FailureReasonReasoning)
		})

		Convey("迭代落盘失败", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "x", Confidence: 0.9}
			env.repos.iteration.upsertErr = errors.New("index unavailable")

			err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
			So(errors.Is(err, core.ErrPersistence), ShouldBeTrue)

			record := env.repos.record.records[1001]
			So(record.RecordStatus, ShouldEqual, domain.RecordStatusFailed)
			So(record.FailureReason, ShouldEqual, domain.FailureReasonPersistence)
		})
	})
}

func TestPipelineRunLock(t *testing.T) {
	Convey("运行锁保证单迭代", t, func() {
		Convey("锁被占用时跳过触发", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.service.locker = &fakeLocker{acquired: false}

			err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
			So(err, ShouldBeNil)
			So(len(env.repos.iteration.iterations), ShouldEqual, 0)
			So(env.repos.record.records[1001].RecordStatus, ShouldEqual, domain.RecordStatusPending)
		})

		Convey("取锁失败返回错误", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.service.locker = &fakeLocker{lockErr: errors.New("redis down")}

			err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestPipelineMaxIterations(t *testing.T) {
	Convey("迭代次数达上限转人工", t, func() {
		env := newTestEnv()
		record := env.seedRecord(domain.RecordStatusPendingHuman)
		record.IterationCount = 10
		env.repos.record.records[record.RecordID] = record

		err := env.service.runDiagnosis(context.Background(), 1001, runOptions{})
		So(err, ShouldBeNil)
		So(len(env.repos.iteration.iterations), ShouldEqual, 0)
		So(env.repos.record.records[1001].RecordStatus, ShouldEqual, domain.RecordStatusPendingHuman)
	})
}

func TestPipelineDeterministicSkips(t *testing.T) {
	Convey("相同输入两次运行产生相同的步骤轨迹", t, func() {
		run := func() []string {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "x", Confidence: 0.4}
			env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{RootCause: "y", Confidence: 0.85}
			env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
				{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1"}, Score: 3},
			}
			So(env.service.runDiagnosis(context.Background(), 1001, runOptions{}), ShouldBeNil)
			env.waitBackground()

			it := env.lastIteration()
			var trace []string
			for _, sr := range it.Steps {
				trace = append(trace, sr.Step)
			}
			return trace
		}

		So(run(), ShouldResemble, run())
	})
}

func TestPipelineMemoryTrail(t *testing.T) {
	Convey("迭代记忆按类型分流且序号递增", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusPending)
		env.collector.bundle.Metrics = []domain.MetricSeries{{Metric: "container_cpu_usage"}}
		env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "初判", Confidence: 0.4}
		env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{RootCause: "知识案例", Confidence: 0.85}
		env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
			{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1"}, Score: 3},
		}

		So(env.service.runDiagnosis(context.Background(), 1001, runOptions{}), ShouldBeNil)
		env.waitBackground()

		var kinds []domain.MemoryKind
		for i, m := range env.repos.memory.memories {
			kinds = append(kinds, m.MemoryKind)
			So(m.Ordinal, ShouldEqual, i+1)
			So(m.IterationID, ShouldEqual, env.lastIteration().IterationID)
		}
		So(kinds, ShouldResemble, []domain.MemoryKind{
			domain.MemoryKindSymptom,
			domain.MemoryKindLog,
			domain.MemoryKindMetric,
			domain.MemoryKindRule,
			domain.MemoryKindLLM,       // 初判步骤
			domain.MemoryKindKnowledge, // 知识检索步骤
			domain.MemoryKindLLM,       // 收敛结论
		})
	})

	Convey("推理步骤失败写入错误记忆", t, func() {
		env := newTestEnv()
		env.seedRecord(domain.RecordStatusPending)
		env.reasoner.errs[domain.StepInitialAnalysis] = errors.New("agent down")
		env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{RootCause: "知识案例", Confidence: 0.85}
		env.repos.knowledge.docs = []domain.ScoredKnowledgeDoc{
			{KnowledgeDoc: domain.KnowledgeDoc{DocID: "kb_1"}, Score: 3},
		}

		So(env.service.runDiagnosis(context.Background(), 1001, runOptions{}), ShouldBeNil)
		env.waitBackground()

		var errMemory *domain.DiagnosisMemory
		for i := range env.repos.memory.memories {
			if env.repos.memory.memories[i].MemoryKind == domain.MemoryKindError {
				errMemory = &env.repos.memory.memories[i]
			}
		}
		So(errMemory, ShouldNotBeNil)
		So(errMemory.Content, ShouldContainSubstring, domain.StepInitialAnalysis)
		So(errMemory.Content, ShouldContainSubstring, "agent down")
	})
}

func TestPipelineAutoSediment(t *testing.T) {
	Convey("收敛记录异步沉淀到知识库", t, func() {
		Convey("completed 记录沉淀一次并打标", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{
				RootCause:       "zk 连接被拒绝",
				Recommendations: domain.Recommendations{Immediate: []string{"检查 zk-hs 服务"}},
				Confidence:      0.9,
			}

			So(env.service.runDiagnosis(context.Background(), 1001, runOptions{}), ShouldBeNil)
			env.waitBackground()

			docs := env.repos.knowledge.upsertedDocs()
			So(len(docs), ShouldEqual, 1)
			So(docs[0].DocID, ShouldEqual, "kb_record_1001")
			So(docs[0].Content, ShouldContainSubstring, "zk 连接被拒绝")
			So(docs[0].Content, ShouldContainSubstring, "检查 zk-hs 服务")
			So(env.repos.record.records[1001].Sedimented, ShouldBeTrue)
		})

		Convey("pending_human 记录不沉淀", func() {
			env := newTestEnv()
			env.seedRecord(domain.RecordStatusPending)
			env.reasoner.byStep[domain.StepInitialAnalysis] = &domain.Verdict{RootCause: "猜测", Confidence: 0.3}
			env.reasoner.byStep[domain.StepKnowledgeSearch] = &domain.Verdict{RootCause: "猜测", Confidence: 0.4}
			env.reasoner.byStep[domain.StepExpandedScope] = &domain.Verdict{RootCause: "猜测", Confidence: 0.4}
			env.reasoner.byStep[domain.StepWebSearch] = &domain.Verdict{RootCause: "猜测", Confidence: 0.2}

			So(env.service.runDiagnosis(context.Background(), 1001, runOptions{}), ShouldBeNil)
			env.waitBackground()

			So(len(env.repos.knowledge.upsertedDocs()), ShouldEqual, 0)
			So(env.repos.record.records[1001].Sedimented, ShouldBeFalse)
		})
	})
}

// ========== 收敛策略单元测试 ==========

func TestPickConfidence(t *testing.T) {
	Convey("置信度采纳策略", t, func() {
		priority := []string{
			domain.StepInitialAnalysis,
			domain.StepKnowledgeSearch,
			domain.StepExpandedScope,
			domain.StepWebSearch,
		}

		Convey("按顺序取第一个达标步骤", func() {
			steps := []domain.StepRecord{
				{Step: domain.StepInitialAnalysis, Ran: true, Confidence: 0.5},
				{Step: domain.StepKnowledgeSearch, Ran: true, Confidence: 0.85},
				{Step: domain.StepExpandedScope, Ran: true, Confidence: 0.95},
			}
			source, conf := pickConfidence(steps, priority, 0.8)
			So(source, ShouldEqual, domain.StepKnowledgeSearch)
			So(conf, ShouldEqual, 0.85)
		})

		Convey("无达标步骤时取最高值", func() {
			steps := []domain.StepRecord{
				{Step: domain.StepInitialAnalysis, Ran: true, Confidence: 0.3},
				{Step: domain.StepKnowledgeSearch, Ran: true, Confidence: 0.6},
			}
			source, conf := pickConfidence(steps, priority, 0.8)
			So(source, ShouldEqual, domain.StepKnowledgeSearch)
			So(conf, ShouldEqual, 0.6)
		})

		Convey("出错的步骤不参与采纳", func() {
			steps := []domain.StepRecord{
				{Step: domain.StepInitialAnalysis, Ran: true, Confidence: 0.9, Error: "agent down"},
				{Step: domain.StepKnowledgeSearch, Ran: true, Confidence: 0.82},
			}
			source, conf := pickConfidence(steps, priority, 0.8)
			So(source, ShouldEqual, domain.StepKnowledgeSearch)
			So(conf, ShouldEqual, 0.82)
		})

		Convey("规则步骤不参与采纳", func() {
			steps := []domain.StepRecord{
				{Step: domain.StepRuleEngine, Ran: true},
				{Step: domain.StepInitialAnalysis, Ran: true, Confidence: 0.4},
			}
			source, _ := pickConfidence(steps, priority, 0.8)
			So(source, ShouldEqual, domain.StepInitialAnalysis)
		})
	})
}
