package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

// SourceAlertmanager Alertmanager webhook 数据源标识。
const SourceAlertmanager = "alertmanager"

// AlertmanagerWebhook Alertmanager webhook v4 payload。
type AlertmanagerWebhook struct {
	Version string              `json:"version"`
	Status  string              `json:"status"`
	Alerts  []AlertmanagerAlert `json:"alerts"`
}

// AlertmanagerAlert 单条告警。
type AlertmanagerAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
}

// 告警标签到诊断对象类型的映射，按此顺序匹配第一个命中的标签。
var targetLabelKinds = []struct {
	label string
	kind  string
}{
	{"pod", "Pod"},
	{"deployment", "Deployment"},
	{"statefulset", "StatefulSet"},
	{"daemonset", "DaemonSet"},
	{"node", "Node"},
	{"service", "Service"},
}

type alertmanagerStandardizer struct{}

// NewAlertmanagerStandardizer 创建 Alertmanager webhook 标准化器。
func NewAlertmanagerStandardizer() Standardizer {
	return &alertmanagerStandardizer{}
}

// Standardize 将 webhook payload 拆成逐条标准化告警。
// 只保留 firing 状态且能定位到集群对象的告警，其余丢弃并记日志。
func (s *alertmanagerStandardizer) Standardize(ctx context.Context, payload []byte) ([]StandardAlert, error) {
	var webhook AlertmanagerWebhook
	if err := json.Unmarshal(payload, &webhook); err != nil {
		return nil, errors.Wrap(err, "解析 Alertmanager webhook 数据失败")
	}

	var out []StandardAlert
	for _, alert := range webhook.Alerts {
		if alert.Status != "" && alert.Status != "firing" {
			continue
		}
		target, ok := targetOfLabels(alert.Labels)
		if !ok {
			log.Warnf("告警缺少对象定位标签，丢弃: alertname=%s", alert.Labels["alertname"])
			continue
		}
		out = append(out, StandardAlert{
			Target:   target,
			Symptom:  symptomOf(alert),
			Severity: mapSeverity(alert.Labels["severity"]),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("webhook 中没有可诊断的告警")
	}
	return out, nil
}

// targetOfLabels 从告警标签推断诊断对象。Node 级告警不要求 namespace。
func targetOfLabels(labels map[string]string) (domain.DiagnosisTarget, bool) {
	for _, m := range targetLabelKinds {
		name := labels[m.label]
		if name == "" {
			continue
		}
		target := domain.DiagnosisTarget{
			ClusterID: clusterOf(labels),
			Kind:      m.kind,
			Name:      name,
		}
		if m.kind != "Node" {
			target.Namespace = labels["namespace"]
		}
		return target, true
	}
	return domain.DiagnosisTarget{}, false
}

func clusterOf(labels map[string]string) string {
	if v := labels["cluster_id"]; v != "" {
		return v
	}
	return labels["cluster"]
}

// symptomOf 现象描述优先取 annotation 摘要，缺失时回退告警名。
func symptomOf(alert AlertmanagerAlert) string {
	name := alert.Labels["alertname"]
	summary := alert.Annotations["summary"]
	if summary == "" {
		summary = alert.Annotations["description"]
	}
	switch {
	case name != "" && summary != "":
		return fmt.Sprintf("%s: %s", name, summary)
	case summary != "":
		return summary
	default:
		return name
	}
}

func mapSeverity(s string) domain.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "disaster":
		return domain.SeverityCritical
	case "major", "error", "high":
		return domain.SeverityMajor
	case "warning":
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
