package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/metrics"
)

// 规则编码。规则产出确定性判定，作为推理提示词的先验输入。
const (
	RuleCrashLoop       = "crash_loop"
	RuleImagePullFailed = "image_pull_failed"
	RuleOOMKilled       = "oom_killed"
	RuleRestartRateHigh = "restart_rate_high"
	RulePendingTooLong  = "pending_too_long"
	RuleNodeNotReady    = "node_not_ready"
	RuleEventRepeats    = "event_repeats"
	RuleCPUHigh         = "cpu_high"
	RuleMemoryHigh      = "memory_high"
	RuleLogErrorPattern = "log_error_pattern"
)

// OOM Killer 终止容器的退出码。
const oomExitCode = 137

// 单次评估最多产出的日志判定数，避免刷屏日志造成判定爆炸。
const maxLogFindings = 5

// Engine 规则引擎。纯函数，无 I/O，相同输入产出相同判定。
type Engine struct {
	cfg        config.RulesConfig
	logPattern *regexp.Regexp
	now        func() time.Time
}

// NewEngine 创建规则引擎，日志错误签名取自配置。
func NewEngine(cfg config.RulesConfig) *Engine {
	cfg.Normalize()
	return &Engine{cfg: cfg, logPattern: compileLogPatterns(cfg.ErrorPatterns), now: time.Now}
}

// compileLogPatterns 将配置的错误签名片段合成单个正则。
// 非法片段丢弃，全部非法时回落为空匹配禁用日志规则。
func compileLogPatterns(patterns []string) *regexp.Regexp {
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			log.Warnf("日志错误签名 %q 不是合法正则，已忽略: %v", p, err)
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return nil
	}
	combined, err := regexp.Compile(`(?i)\b(` + strings.Join(valid, "|") + `)\b`)
	if err != nil {
		log.Warnf("日志错误签名合成失败，已禁用日志规则: %v", err)
		return nil
	}
	return combined
}

// Evaluate 对基础证据执行全部内置规则，返回零或多条判定。
func (e *Engine) Evaluate(bundle *domain.EvidenceBundle) []domain.Finding {
	if bundle == nil {
		return nil
	}

	var findings []domain.Finding
	for i := range bundle.Snapshots {
		findings = append(findings, e.evaluateSnapshot(&bundle.Snapshots[i])...)
	}
	findings = append(findings, e.evaluateEvents(bundle.Events)...)
	findings = append(findings, e.evaluateMetrics(bundle)...)
	findings = append(findings, e.evaluateLogs(bundle.Logs)...)
	return findings
}

func (e *Engine) evaluateSnapshot(snap *domain.ResourceSnapshot) []domain.Finding {
	object := objectRef(snap)

	var findings []domain.Finding
	switch snap.Phase {
	case "CrashLoopBackOff":
		findings = append(findings, domain.Finding{
			Rule:     RuleCrashLoop,
			Severity: domain.SeverityCritical,
			Message:  "容器反复崩溃重启",
			Object:   object,
		})
	case "ImagePullBackOff", "ErrImagePull":
		findings = append(findings, domain.Finding{
			Rule:     RuleImagePullFailed,
			Severity: domain.SeverityMajor,
			Message:  "镜像拉取失败",
			Object:   object,
		})
	case "NotReady":
		if snap.Kind == "Node" {
			findings = append(findings, domain.Finding{
				Rule:     RuleNodeNotReady,
				Severity: domain.SeverityCritical,
				Message:  "节点处于 NotReady 状态",
				Object:   object,
			})
		}
	}

	if snap.Kind == "Pod" {
		findings = append(findings, e.evaluatePodManifest(snap, object)...)
	}
	return findings
}

// evaluatePodManifest 从 Pod 清单中提取重启次数、OOM 终止与调度等待时长。
func (e *Engine) evaluatePodManifest(snap *domain.ResourceSnapshot, object string) []domain.Finding {
	var pod corev1.Pod
	if err := json.Unmarshal([]byte(snap.Manifest), &pod); err != nil {
		return nil
	}

	var findings []domain.Finding
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.ExitCode == oomExitCode {
			findings = append(findings, domain.Finding{
				Rule:     RuleOOMKilled,
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("容器 %s 被 OOM Killer 终止（退出码 137）", cs.Name),
				Object:   object,
			})
		}
		if cs.RestartCount >= e.cfg.RestartThreshold {
			findings = append(findings, domain.Finding{
				Rule:     RuleRestartRateHigh,
				Severity: domain.SeverityMajor,
				Message:  fmt.Sprintf("容器 %s 已重启 %d 次，超过阈值 %d", cs.Name, cs.RestartCount, e.cfg.RestartThreshold),
				Object:   object,
			})
		}
	}

	if pod.Status.Phase == corev1.PodPending && !pod.CreationTimestamp.IsZero() {
		pending := e.now().Sub(pod.CreationTimestamp.Time)
		warnAfter := time.Duration(e.cfg.PendingWarnAfter) * time.Minute
		if pending >= warnAfter {
			findings = append(findings, domain.Finding{
				Rule:     RulePendingTooLong,
				Severity: domain.SeverityMajor,
				Message:  fmt.Sprintf("Pod 已 Pending %d 分钟，疑似调度失败", int(pending.Minutes())),
				Object:   object,
			})
		}
	}
	return findings
}

func (e *Engine) evaluateEvents(events []domain.EventRecord) []domain.Finding {
	var findings []domain.Finding
	for _, ev := range events {
		if ev.Type != "Warning" {
			continue
		}
		if ev.Count >= e.cfg.EventRepeatsAlarm {
			findings = append(findings, domain.Finding{
				Rule:     RuleEventRepeats,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("Warning 事件 %s 已重复 %d 次: %s", ev.Reason, ev.Count, ev.Message),
			})
		}
	}
	return findings
}

// evaluateMetrics 以容器 limit 为基准判断资源用量。未配置 limit 的序列无法判定，跳过。
func (e *Engine) evaluateMetrics(bundle *domain.EvidenceBundle) []domain.Finding {
	cpuLimit, memLimit := podLimits(bundle)

	var findings []domain.Finding
	for _, series := range bundle.Metrics {
		avg, ok := seriesAverage(series)
		if !ok {
			continue
		}
		switch series.Metric {
		case metrics.MetricCPUUsage:
			if cpuLimit > 0 && avg >= cpuLimit*e.cfg.CPUSpikeRatio {
				findings = append(findings, domain.Finding{
					Rule:     RuleCPUHigh,
					Severity: domain.SeverityMajor,
					Message:  fmt.Sprintf("CPU 持续用量 %.2f 核，达到 limit %.2f 核的 %.0f%%", avg, cpuLimit, avg/cpuLimit*100),
					Object:   bundle.Target.String(),
				})
			}
		case metrics.MetricMemoryUsage:
			if memLimit > 0 && avg >= memLimit*e.cfg.MemoryPressRatio {
				findings = append(findings, domain.Finding{
					Rule:     RuleMemoryHigh,
					Severity: domain.SeverityMajor,
					Message:  fmt.Sprintf("内存持续用量达到 limit 的 %.0f%%", avg/memLimit*100),
					Object:   bundle.Target.String(),
				})
			}
		}
	}
	return findings
}

func (e *Engine) evaluateLogs(lines []domain.LogLine) []domain.Finding {
	if e.logPattern == nil {
		return nil
	}
	var findings []domain.Finding
	for _, line := range lines {
		if len(findings) >= maxLogFindings {
			break
		}
		if match := e.logPattern.FindString(line.Message); match != "" {
			findings = append(findings, domain.Finding{
				Rule:     RuleLogErrorPattern,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("日志命中错误签名 %q: %s", match, line.Message),
				Object:   line.Source,
			})
		}
	}
	return findings
}

// podLimits 汇总目标 Pod 全部容器的 CPU/内存 limit。
func podLimits(bundle *domain.EvidenceBundle) (cpu float64, memory float64) {
	for i := range bundle.Snapshots {
		snap := &bundle.Snapshots[i]
		if snap.Kind != "Pod" || snap.Name != bundle.Target.Name {
			continue
		}
		var pod corev1.Pod
		if err := json.Unmarshal([]byte(snap.Manifest), &pod); err != nil {
			continue
		}
		for _, container := range pod.Spec.Containers {
			if q, ok := container.Resources.Limits[corev1.ResourceCPU]; ok {
				cpu += q.AsApproximateFloat64()
			}
			if q, ok := container.Resources.Limits[corev1.ResourceMemory]; ok {
				memory += q.AsApproximateFloat64()
			}
		}
	}
	return cpu, memory
}

func seriesAverage(series domain.MetricSeries) (float64, bool) {
	if len(series.Points) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range series.Points {
		sum += p.Value
	}
	return sum / float64(len(series.Points)), true
}

func objectRef(snap *domain.ResourceSnapshot) string {
	if snap.Namespace == "" {
		return fmt.Sprintf("%s/%s", snap.Kind, snap.Name)
	}
	return fmt.Sprintf("%s/%s/%s", snap.Kind, snap.Namespace, snap.Name)
}
