package ingest

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

// StandardAlert 标准化后的单条告警，携带可直接建档的诊断对象。
type StandardAlert struct {
	Target   domain.DiagnosisTarget
	Symptom  string
	Severity domain.Severity
}

// Standardizer 负责将上游原始 payload 转换为标准化告警列表。
// 不同来源独立实现，避免与具体业务耦合。
type Standardizer interface {
	Standardize(ctx context.Context, payload []byte) ([]StandardAlert, error)
}

// Build 根据数据源类型创建对应的 Standardizer。
func Build(source string) (Standardizer, error) {
	return defaultRegistry().Resolve(source)
}

// Factory 创建具体标准化器。
type Factory func() (Standardizer, error)

// Registry 管理不同数据源的标准化器。
type Registry struct {
	factories map[string]Factory
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 注册数据源对应的标准化器。
func (r *Registry) Register(source string, factory Factory) {
	key := strings.TrimSpace(strings.ToLower(source))
	if key == "" || factory == nil {
		return
	}
	r.factories[key] = factory
}

// Resolve 根据数据源类型返回标准化器。
func (r *Registry) Resolve(source string) (Standardizer, error) {
	key := strings.TrimSpace(strings.ToLower(source))
	if key == "" {
		key = SourceAlertmanager
	}
	factory, ok := r.factories[key]
	if !ok {
		return nil, errors.Errorf("unsupported source type: %s", source)
	}
	return factory()
}

// 默认注册表，包含内置标准化器。
func defaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SourceAlertmanager, func() (Standardizer, error) {
		return NewAlertmanagerStandardizer(), nil
	})
	return r
}
