package collect

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/timex"
)

// 证据源标识，与记忆类型对应。
const (
	sourceK8sResource = "k8s_resource"
	sourceLog         = "log"
	sourceMetric      = "metric"
)

// Collector 编排基础证据采集：对象状态、事件、日志与指标并发拉取。
// 单个数据源失败记日志并降级为空证据，全部缺失才视为无法诊断。
type Collector struct {
	resources core.ResourceCollector
	logs      core.LogSource
	metrics   core.MetricSource
	getPolicy func() config.EvidenceConfig
}

// New 创建证据采集编排器。getPolicy 每次采集时取最新的窗口配置。
func New(
	resources core.ResourceCollector,
	logs core.LogSource,
	metrics core.MetricSource,
	getPolicy func() config.EvidenceConfig,
) *Collector {
	return &Collector{
		resources: resources,
		logs:      logs,
		metrics:   metrics,
		getPolicy: getPolicy,
	}
}

// CollectBase 采集基础证据。单个数据源不可用按空证据降级，
// 失败原因记入 bundle.SourceErrors 供上层留痕；
// 日志与指标同时缺失时返回 ErrNoBaseEvidence。
func (c *Collector) CollectBase(ctx context.Context, target domain.DiagnosisTarget) (*domain.EvidenceBundle, error) {
	policy := c.getPolicy()
	now := timex.NowLocalTime()
	bundle := &domain.EvidenceBundle{
		Target:      target,
		CollectTime: now,
	}

	// 三路证据并发采集，互不阻塞
	var wg sync.WaitGroup
	var mu sync.Mutex
	recordSourceError := func(source string, err error) {
		log.Warnf("采集%s证据失败: %s, %v", source, target.String(), err)
		mu.Lock()
		defer mu.Unlock()
		bundle.SourceErrors = append(bundle.SourceErrors, domain.SourceError{Source: source, Message: err.Error()})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		snap, err := c.resources.Snapshot(ctx, target)
		if err != nil {
			recordSourceError(sourceK8sResource, err)
		}
		events, evErr := c.resources.Events(ctx, target)
		if evErr != nil {
			recordSourceError(sourceK8sResource, evErr)
		}
		mu.Lock()
		defer mu.Unlock()
		if snap != nil {
			bundle.Snapshots = append(bundle.Snapshots, *snap)
		}
		bundle.Events = events
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		lines, fromTail, err := c.collectLogs(ctx, target, policy, now)
		if err != nil {
			recordSourceError(sourceLog, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		bundle.Logs = lines
		bundle.LogsFromTail = fromTail
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		series, err := c.metrics.Query(ctx, target, now.Add(-policy.MetricsWindow), now)
		if err != nil {
			recordSourceError(sourceMetric, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		bundle.Metrics = series
	}()

	wg.Wait()

	// 日志与指标是诊断的最低证据要求，两者同时缺失无法推理
	if len(bundle.Logs) == 0 && len(bundle.Metrics) == 0 {
		return nil, errors.Wrapf(core.ErrNoBaseEvidence, "目标 %s 日志与指标均不可用", target.String())
	}
	return bundle, nil
}

// collectLogs 混合日志策略：目标存活时优先实时 tail，失败或目标不在集群中时回退日志库。
func (c *Collector) collectLogs(ctx context.Context, target domain.DiagnosisTarget, policy config.EvidenceConfig, now time.Time) ([]domain.LogLine, bool, error) {
	if c.resources.IsLive(ctx, target) {
		lines, err := c.resources.LiveTail(ctx, target, policy.LogTailLines)
		if err == nil {
			return lines, true, nil
		}
		log.Warnf("实时 tail 失败，回退日志库: %s, %v", target.String(), err)
	}

	lines, err := c.logs.Query(ctx, target, now.Add(-policy.LogWindow), now, policy.LogLimit)
	if err != nil {
		return nil, false, err
	}
	return lines, false, nil
}

// CollectExpanded 扩大采集范围，取关联对象的快照、事件与异常日志。
// 单个对象采集失败不影响整体结果。
func (c *Collector) CollectExpanded(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	bundle, err := c.resources.ExpandRelated(ctx, target)
	if err != nil {
		return nil, errors.Wrap(core.ErrCollectorUnavailable, err.Error())
	}
	return bundle, nil
}
