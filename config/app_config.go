package config

import (
	"fmt"
	"time"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/slice"
)

// ========== 远程配置服务 ==========

// AppConfigServiceConfig 远程配置服务配置
type AppConfigServiceConfig struct {
	Endpoint        string        `yaml:"endpoint"`         // 远程配置接口地址
	RefreshInterval time.Duration `yaml:"refresh_interval"` // 刷新间隔
	Enabled         bool          `yaml:"enabled"`          // 是否启用远程配置
}

// ========== 本地业务配置 ==========

// AppConfig 本地业务配置（config.yaml 格式）
type AppConfig struct {
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	Diagnosis   DiagnosisConfig   `yaml:"diagnosis" json:"diagnosis"`
	Evidence    EvidenceConfig    `yaml:"evidence" json:"evidence"`
	Rules       RulesConfig       `yaml:"rules" json:"rules"`
}

// CredentialsConfig 认证凭据配置
type CredentialsConfig struct {
	Authorization string `yaml:"authorization" json:"authorization"` // Bearer Token
}

// DiagnosisConfig 诊断流水线策略
type DiagnosisConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold" json:"confidence_threshold"` // 提前收敛阈值
	StepPriority        []string      `yaml:"step_priority" json:"step_priority"`               // 最终置信度采纳顺序
	KnowledgeTopK       int           `yaml:"knowledge_top_k" json:"knowledge_top_k"`           // 知识检索条数
	MaxIterations       int           `yaml:"max_iterations" json:"max_iterations"`             // 单记录最大迭代次数
	FeedbackMinSteps    int           `yaml:"feedback_min_steps" json:"feedback_min_steps"`     // 反馈迭代最少走到第几个推理步骤
	RunLockTTL          time.Duration `yaml:"run_lock_ttl" json:"run_lock_ttl"`                 // 运行锁有效期
	MemoryLimit         int           `yaml:"memory_limit" json:"memory_limit"`                 // 拼接提示词时最多携带的记忆条数
}

// EvidenceConfig 证据采集窗口
type EvidenceConfig struct {
	MetricsWindow time.Duration `yaml:"metrics_window" json:"metrics_window"` // 指标回看窗口
	LogWindow     time.Duration `yaml:"log_window" json:"log_window"`         // 日志库回看窗口
	LogTailLines  int           `yaml:"log_tail_lines" json:"log_tail_lines"` // 实时 tail 行数
	LogLimit      int           `yaml:"log_limit" json:"log_limit"`           // 日志库查询条数上限
}

// RulesConfig 规则引擎阈值
type RulesConfig struct {
	RestartThreshold  int32    `yaml:"restart_threshold" json:"restart_threshold"`     // 容器重启次数阈值
	CPUSpikeRatio     float64  `yaml:"cpu_spike_ratio" json:"cpu_spike_ratio"`         // CPU 用量相对 limit 的告警比例
	MemoryPressRatio  float64  `yaml:"memory_press_ratio" json:"memory_press_ratio"`   // 内存用量相对 limit 的告警比例
	PendingWarnAfter  int      `yaml:"pending_warn_after" json:"pending_warn_after"`   // Pending 超过多少分钟判定调度异常
	UnreadyWarnAfter  int      `yaml:"unready_warn_after" json:"unready_warn_after"`   // NotReady 超过多少分钟告警
	EventRepeatsAlarm int32    `yaml:"event_repeats_alarm" json:"event_repeats_alarm"` // Warning 事件重复次数阈值
	ErrorPatterns     []string `yaml:"error_patterns" json:"error_patterns"`           // 日志错误签名（正则片段）
}

// 日志错误签名的兜底默认值。
var defaultErrorPatterns = []string{
	"error", "fatal", "panic", "exception",
	"out of memory", "connection refused", "no such host",
}

// 步骤采纳顺序与阈值的兜底默认值。
var defaultStepPriority = []string{"initial_analysis", "knowledge_search", "expanded_scope", "web_search"}

const (
	defaultConfidenceThreshold = 0.8
	defaultKnowledgeTopK       = 5
	defaultFeedbackMinSteps    = 3
)

// Normalize 补齐零值字段，保证策略始终可用。
func (c *DiagnosisConfig) Normalize() {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = defaultConfidenceThreshold
	}
	// 丢弃拼写错误的步骤名，去重后为空则回落默认顺序
	var priority []string
	for _, name := range c.StepPriority {
		if slice.ContainsString(defaultStepPriority, name) {
			priority = slice.AppendUniqueString(priority, name)
		}
	}
	c.StepPriority = priority
	if len(c.StepPriority) == 0 {
		c.StepPriority = append([]string(nil), defaultStepPriority...)
	}
	if c.KnowledgeTopK <= 0 {
		c.KnowledgeTopK = defaultKnowledgeTopK
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.FeedbackMinSteps <= 0 {
		c.FeedbackMinSteps = defaultFeedbackMinSteps
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = 10 * time.Minute
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 20
	}
}

// Normalize 补齐证据窗口默认值。
func (c *EvidenceConfig) Normalize() {
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = 30 * time.Minute
	}
	if c.LogWindow <= 0 {
		c.LogWindow = 15 * time.Minute
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = 100
	}
	if c.LogLimit <= 0 {
		c.LogLimit = 500
	}
}

// Normalize 补齐规则阈值默认值。
func (c *RulesConfig) Normalize() {
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = 3
	}
	if c.CPUSpikeRatio <= 0 {
		c.CPUSpikeRatio = 0.9
	}
	if c.MemoryPressRatio <= 0 {
		c.MemoryPressRatio = 0.9
	}
	if c.PendingWarnAfter <= 0 {
		c.PendingWarnAfter = 5
	}
	if c.UnreadyWarnAfter <= 0 {
		c.UnreadyWarnAfter = 5
	}
	if c.EventRepeatsAlarm <= 0 {
		c.EventRepeatsAlarm = 5
	}
	if len(c.ErrorPatterns) == 0 {
		c.ErrorPatterns = append([]string(nil), defaultErrorPatterns...)
	}
}

// Normalize 补齐全部业务配置默认值。
func (a *AppConfig) Normalize() {
	a.Diagnosis.Normalize()
	a.Evidence.Normalize()
	a.Rules.Normalize()
}

// ========== 远程 API 响应结构（manager 返回格式）==========

// RemoteAppConfig 远程业务配置（manager API 返回格式）
type RemoteAppConfig struct {
	Platform        RemotePlatformConfig  `json:"platform"`
	DiagnosisPolicy RemoteDiagnosisPolicy `json:"diagnosis_policy"`
	EvidencePolicy  RemoteEvidencePolicy  `json:"evidence_policy"`
}

// RemotePlatformConfig 远程平台配置
type RemotePlatformConfig struct {
	AuthToken string `json:"auth_token"` // 认证令牌
}

// RemoteDiagnosisPolicy 远程诊断策略
type RemoteDiagnosisPolicy struct {
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	StepPriority        []string `json:"step_priority"`
	KnowledgeTopK       int      `json:"knowledge_top_k"`
	MaxIterations       int      `json:"max_iterations"`
}

// RemoteEvidencePolicy 远程证据采集策略（分钟粒度）
type RemoteEvidencePolicy struct {
	MetricsWindowMinutes int `json:"metrics_window_minutes"`
	LogWindowMinutes     int `json:"log_window_minutes"`
	LogTailLines         int `json:"log_tail_lines"`
}

// ToAppConfig 将远程配置转换为本地配置格式
func (r *RemoteAppConfig) ToAppConfig() *AppConfig {
	cfg := &AppConfig{
		Credentials: CredentialsConfig{
			Authorization: fmt.Sprintf("Bearer %s", r.Platform.AuthToken),
		},
		Diagnosis: DiagnosisConfig{
			ConfidenceThreshold: r.DiagnosisPolicy.ConfidenceThreshold,
			StepPriority:        r.DiagnosisPolicy.StepPriority,
			KnowledgeTopK:       r.DiagnosisPolicy.KnowledgeTopK,
			MaxIterations:       r.DiagnosisPolicy.MaxIterations,
		},
		Evidence: EvidenceConfig{
			MetricsWindow: time.Duration(r.EvidencePolicy.MetricsWindowMinutes) * time.Minute,
			LogWindow:     time.Duration(r.EvidencePolicy.LogWindowMinutes) * time.Minute,
			LogTailLines:  r.EvidencePolicy.LogTailLines,
		},
	}
	cfg.Normalize()
	return cfg
}
