package kube

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

const defaultCallTimeout = 10 * time.Second

// NewClientset 根据配置创建 K8s 客户端。
// 集群内优先 ServiceAccount，集群外读 kubeconfig。
func NewClientset(cfg config.KubeConfig) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, "加载集群内配置失败")
		}
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, errors.Wrapf(err, "加载 kubeconfig 失败: %s", cfg.Kubeconfig)
		}
	}

	if cfg.QPS > 0 {
		restCfg.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		restCfg.Burst = cfg.Burst
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	restCfg.Timeout = timeout

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Wrap(err, "创建 K8s 客户端失败")
	}

	log.Infof("K8s 客户端初始化完成，in_cluster=%v", cfg.InCluster)
	return clientset, nil
}

// withTimeout 为单次 API 调用套上超时。
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
