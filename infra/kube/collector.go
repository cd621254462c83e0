package kube

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/timex"
)

// 支持诊断的对象类型。
const (
	KindPod         = "Pod"
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindDaemonSet   = "DaemonSet"
	KindNode        = "Node"
	KindService     = "Service"
)

// 扩大范围时单类对象的采集上限，避免大集群下证据爆炸。
const maxRelatedObjects = 10

// Collector 基于 client-go 的资源采集器。
type Collector struct {
	clientset   kubernetes.Interface
	callTimeout time.Duration
}

var _ core.ResourceCollector = (*Collector)(nil)

// NewCollector 创建资源采集器。clientset 由 NewClientset 构建，测试时可传 fake。
func NewCollector(clientset kubernetes.Interface, callTimeout time.Duration) *Collector {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Collector{clientset: clientset, callTimeout: callTimeout}
}

// Available 探测 API Server 连通性。
func (c *Collector) Available(ctx context.Context) error {
	if c.clientset == nil {
		return errors.New("K8s 客户端未初始化")
	}
	if _, err := c.clientset.Discovery().ServerVersion(); err != nil {
		return errors.Wrap(err, "探测 API Server 失败")
	}
	return nil
}

// Snapshot 采集目标对象的状态快照。
func (c *Collector) Snapshot(ctx context.Context, target domain.DiagnosisTarget) (*domain.ResourceSnapshot, error) {
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	switch target.Kind {
	case KindPod:
		pod, err := c.clientset.CoreV1().Pods(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 Pod 失败: %s", target.String())
		}
		return podSnapshot(pod), nil
	case KindDeployment:
		deploy, err := c.clientset.AppsV1().Deployments(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 Deployment 失败: %s", target.String())
		}
		return objectSnapshot(KindDeployment, deploy.Namespace, deploy.Name, deploymentPhase(deploy), deploy), nil
	case KindStatefulSet:
		sts, err := c.clientset.AppsV1().StatefulSets(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 StatefulSet 失败: %s", target.String())
		}
		phase := fmt.Sprintf("%d/%d ready", sts.Status.ReadyReplicas, sts.Status.Replicas)
		return objectSnapshot(KindStatefulSet, sts.Namespace, sts.Name, phase, sts), nil
	case KindDaemonSet:
		ds, err := c.clientset.AppsV1().DaemonSets(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 DaemonSet 失败: %s", target.String())
		}
		phase := fmt.Sprintf("%d/%d ready", ds.Status.NumberReady, ds.Status.DesiredNumberScheduled)
		return objectSnapshot(KindDaemonSet, ds.Namespace, ds.Name, phase, ds), nil
	case KindNode:
		node, err := c.clientset.CoreV1().Nodes().Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 Node 失败: %s", target.String())
		}
		return objectSnapshot(KindNode, "", node.Name, nodePhase(node), node), nil
	case KindService:
		svc, err := c.clientset.CoreV1().Services(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 Service 失败: %s", target.String())
		}
		return objectSnapshot(KindService, svc.Namespace, svc.Name, string(svc.Spec.Type), svc), nil
	default:
		return nil, errors.Errorf("不支持的对象类型: %s", target.Kind)
	}
}

// Events 查询目标对象关联的 K8s 事件。
func (c *Collector) Events(ctx context.Context, target domain.DiagnosisTarget) ([]domain.EventRecord, error) {
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	selector := fmt.Sprintf("involvedObject.kind=%s,involvedObject.name=%s", target.Kind, target.Name)
	namespace := target.Namespace
	if target.Kind == KindNode {
		namespace = metav1.NamespaceAll
	}
	list, err := c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{FieldSelector: selector})
	if err != nil {
		return nil, errors.Wrapf(err, "查询事件失败: %s", target.String())
	}

	records := make([]domain.EventRecord, 0, len(list.Items))
	for _, ev := range list.Items {
		records = append(records, toEventRecord(&ev))
	}
	return records, nil
}

// ExpandRelated 沿属主引用与标签选择器扩大采集范围。
// Pod 向上找工作负载、同节点事件；工作负载向下找其 Pod；Node 找节点上的 Pod；Service 找后端 Pod。
func (c *Collector) ExpandRelated(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	start := time.Now()
	defer func() {
		log.Debugw("扩大范围采集完成",
			"target", target.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	switch target.Kind {
	case KindPod:
		return c.expandFromPod(ctx, target)
	case KindDeployment, KindStatefulSet, KindDaemonSet:
		return c.expandFromWorkload(ctx, target)
	case KindNode:
		return c.expandFromNode(ctx, target)
	case KindService:
		return c.expandFromService(ctx, target)
	default:
		return nil, errors.Errorf("不支持的对象类型: %s", target.Kind)
	}
}

// LiveTail 读取 Pod 最近的若干行日志。仅 Pod 支持实时 tail。
func (c *Collector) LiveTail(ctx context.Context, target domain.DiagnosisTarget, lines int) ([]domain.LogLine, error) {
	if target.Kind != KindPod {
		return nil, errors.Errorf("实时日志仅支持 Pod，当前类型: %s", target.Kind)
	}
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	tail := int64(lines)
	opts := &corev1.PodLogOptions{TailLines: &tail, Timestamps: true}
	stream, err := c.clientset.CoreV1().Pods(target.Namespace).GetLogs(target.Name, opts).Stream(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "读取 Pod 日志失败: %s", target.String())
	}
	defer stream.Close()

	var result []domain.LogLine
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		result = append(result, parseLogLine(scanner.Text(), target.Name))
	}
	if err := scanner.Err(); err != nil {
		return result, errors.Wrap(err, "读取日志流失败")
	}
	return result, nil
}

// IsLive 判断目标是否能直接 tail：Pod 存在且处于 Running。
// 工作负载类对象本身不产生日志，统一走日志库。
func (c *Collector) IsLive(ctx context.Context, target domain.DiagnosisTarget) bool {
	if target.Kind != KindPod {
		return false
	}
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	pod, err := c.clientset.CoreV1().Pods(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			log.Warnf("探测 Pod 存活失败: %s, %v", target.String(), err)
		}
		return false
	}
	return pod.Status.Phase == corev1.PodRunning
}

func (c *Collector) expandFromPod(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	pod, err := c.clientset.CoreV1().Pods(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "获取 Pod 失败: %s", target.String())
	}

	bundle := &domain.RelatedResourceBundle{}

	// 沿属主引用向上找工作负载
	for _, owner := range pod.OwnerReferences {
		ownerTarget := domain.DiagnosisTarget{
			ClusterID: target.ClusterID,
			Kind:      owner.Kind,
			Namespace: target.Namespace,
			Name:      owner.Name,
		}
		if owner.Kind == "ReplicaSet" {
			// ReplicaSet 再向上找 Deployment
			rs, err := c.clientset.AppsV1().ReplicaSets(target.Namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err != nil {
				log.Warnf("获取 ReplicaSet 失败: %s/%s, %v", target.Namespace, owner.Name, err)
				continue
			}
			for _, rsOwner := range rs.OwnerReferences {
				if rsOwner.Kind == KindDeployment {
					ownerTarget.Kind = KindDeployment
					ownerTarget.Name = rsOwner.Name
				}
			}
		}
		snap, err := c.Snapshot(ctx, ownerTarget)
		if err != nil {
			log.Warnf("采集属主快照失败: %s, %v", ownerTarget.String(), err)
			continue
		}
		bundle.Snapshots = append(bundle.Snapshots, *snap)
		events, err := c.Events(ctx, ownerTarget)
		if err == nil {
			bundle.Events = append(bundle.Events, events...)
		}
	}

	// Pod 引用的配置与存储对象，挂载缺失和配额超限常见于这类引用
	c.expandPodRefs(ctx, pod, bundle)

	// 命中 Pod 标签的 Service 与 NetworkPolicy，网络不通类故障集中在这两类对象
	c.expandPodNetwork(ctx, pod, bundle)

	// Pod 所在节点的状态与事件
	if pod.Spec.NodeName != "" {
		nodeTarget := domain.DiagnosisTarget{ClusterID: target.ClusterID, Kind: KindNode, Name: pod.Spec.NodeName}
		if snap, err := c.Snapshot(ctx, nodeTarget); err == nil {
			bundle.Snapshots = append(bundle.Snapshots, *snap)
		}
		if events, err := c.Events(ctx, nodeTarget); err == nil {
			bundle.Events = append(bundle.Events, events...)
		}
	}
	return bundle, nil
}

// expandPodRefs 采集 Pod 通过卷和 envFrom 引用的 ConfigMap、Secret、PVC，
// 以及命名空间下的 ResourceQuota。单个对象取不到只告警不中断。
func (c *Collector) expandPodRefs(ctx context.Context, pod *corev1.Pod, bundle *domain.RelatedResourceBundle) {
	seen := map[string]bool{}
	addConfigMap := func(name string) {
		if name == "" || seen["ConfigMap/"+name] {
			return
		}
		seen["ConfigMap/"+name] = true
		cm, err := c.clientset.CoreV1().ConfigMaps(pod.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			log.Warnf("获取 ConfigMap 失败: %s/%s, %v", pod.Namespace, name, err)
			return
		}
		bundle.Snapshots = append(bundle.Snapshots, *objectSnapshot("ConfigMap", cm.Namespace, cm.Name, "Active", cm))
	}
	addSecret := func(name string) {
		if name == "" || seen["Secret/"+name] {
			return
		}
		seen["Secret/"+name] = true
		sec, err := c.clientset.CoreV1().Secrets(pod.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			log.Warnf("获取 Secret 失败: %s/%s, %v", pod.Namespace, name, err)
			return
		}
		bundle.Snapshots = append(bundle.Snapshots, *objectSnapshot("Secret", sec.Namespace, sec.Name, string(sec.Type), sec))
	}

	for _, vol := range pod.Spec.Volumes {
		switch {
		case vol.ConfigMap != nil:
			addConfigMap(vol.ConfigMap.Name)
		case vol.Secret != nil:
			addSecret(vol.Secret.SecretName)
		case vol.PersistentVolumeClaim != nil:
			pvc, err := c.clientset.CoreV1().PersistentVolumeClaims(pod.Namespace).Get(ctx, vol.PersistentVolumeClaim.ClaimName, metav1.GetOptions{})
			if err != nil {
				log.Warnf("获取 PVC 失败: %s/%s, %v", pod.Namespace, vol.PersistentVolumeClaim.ClaimName, err)
				continue
			}
			bundle.Snapshots = append(bundle.Snapshots, *objectSnapshot("PersistentVolumeClaim", pvc.Namespace, pvc.Name, string(pvc.Status.Phase), pvc))
		}
	}
	for _, ctr := range pod.Spec.Containers {
		for _, envFrom := range ctr.EnvFrom {
			if envFrom.ConfigMapRef != nil {
				addConfigMap(envFrom.ConfigMapRef.Name)
			}
			if envFrom.SecretRef != nil {
				addSecret(envFrom.SecretRef.Name)
			}
		}
	}

	quotas, err := c.clientset.CoreV1().ResourceQuotas(pod.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		log.Warnf("查询 ResourceQuota 失败: %s, %v", pod.Namespace, err)
		return
	}
	for i := range quotas.Items {
		q := &quotas.Items[i]
		bundle.Snapshots = append(bundle.Snapshots, *objectSnapshot("ResourceQuota", q.Namespace, q.Name, "Active", q))
	}
}

// expandPodNetwork 采集选择器命中 Pod 标签的 Service，
// 以及作用于该 Pod 的 NetworkPolicy（选择器为空时作用于全命名空间）。
func (c *Collector) expandPodNetwork(ctx context.Context, pod *corev1.Pod, bundle *domain.RelatedResourceBundle) {
	podLabels := labels.Set(pod.Labels)

	svcs, err := c.clientset.CoreV1().Services(pod.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		log.Warnf("查询 Service 失败: %s, %v", pod.Namespace, err)
	} else {
		for i := range svcs.Items {
			svc := &svcs.Items[i]
			if len(svc.Spec.Selector) == 0 || !labels.SelectorFromSet(svc.Spec.Selector).Matches(podLabels) {
				continue
			}
			bundle.Snapshots = append(bundle.Snapshots, *objectSnapshot(KindService, svc.Namespace, svc.Name, string(svc.Spec.Type), svc))
		}
	}

	policies, err := c.clientset.NetworkingV1().NetworkPolicies(pod.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		log.Warnf("查询 NetworkPolicy 失败: %s, %v", pod.Namespace, err)
		return
	}
	for i := range policies.Items {
		np := &policies.Items[i]
		selector, err := metav1.LabelSelectorAsSelector(&np.Spec.PodSelector)
		if err != nil {
			log.Warnf("解析 NetworkPolicy 选择器失败: %s/%s, %v", np.Namespace, np.Name, err)
			continue
		}
		if !selector.Matches(podLabels) {
			continue
		}
		bundle.Snapshots = append(bundle.Snapshots, *objectSnapshot("NetworkPolicy", np.Namespace, np.Name, "Active", np))
	}
}

func (c *Collector) expandFromWorkload(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	selector, err := c.workloadSelector(ctx, target)
	if err != nil {
		return nil, err
	}
	pods, err := c.clientset.CoreV1().Pods(target.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, errors.Wrapf(err, "查询工作负载 Pod 失败: %s", target.String())
	}

	bundle := &domain.RelatedResourceBundle{}
	for i := range pods.Items {
		if i >= maxRelatedObjects {
			break
		}
		pod := &pods.Items[i]
		bundle.Snapshots = append(bundle.Snapshots, *podSnapshot(pod))
		podTarget := domain.DiagnosisTarget{
			ClusterID: target.ClusterID,
			Kind:      KindPod,
			Namespace: pod.Namespace,
			Name:      pod.Name,
		}
		if events, err := c.Events(ctx, podTarget); err == nil {
			bundle.Events = append(bundle.Events, events...)
		}
		// 异常 Pod 顺带抓最近日志
		if pod.Status.Phase != corev1.PodRunning && pod.Status.Phase != corev1.PodSucceeded {
			if lines, err := c.LiveTail(ctx, podTarget, 50); err == nil {
				bundle.Logs = append(bundle.Logs, lines...)
			}
		}
	}
	return bundle, nil
}

func (c *Collector) expandFromNode(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	pods, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", target.Name),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "查询节点 Pod 失败: %s", target.Name)
	}

	bundle := &domain.RelatedResourceBundle{}
	count := 0
	for i := range pods.Items {
		pod := &pods.Items[i]
		// 节点视角只关心非 Running 的 Pod
		if pod.Status.Phase == corev1.PodRunning || pod.Status.Phase == corev1.PodSucceeded {
			continue
		}
		if count >= maxRelatedObjects {
			break
		}
		count++
		bundle.Snapshots = append(bundle.Snapshots, *podSnapshot(pod))
		podTarget := domain.DiagnosisTarget{
			ClusterID: target.ClusterID,
			Kind:      KindPod,
			Namespace: pod.Namespace,
			Name:      pod.Name,
		}
		if events, err := c.Events(ctx, podTarget); err == nil {
			bundle.Events = append(bundle.Events, events...)
		}
	}
	return bundle, nil
}

func (c *Collector) expandFromService(ctx context.Context, target domain.DiagnosisTarget) (*domain.RelatedResourceBundle, error) {
	ctx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	svc, err := c.clientset.CoreV1().Services(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "获取 Service 失败: %s", target.String())
	}
	if len(svc.Spec.Selector) == 0 {
		return &domain.RelatedResourceBundle{}, nil
	}

	selector := labels.SelectorFromSet(svc.Spec.Selector)
	pods, err := c.clientset.CoreV1().Pods(target.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, errors.Wrapf(err, "查询后端 Pod 失败: %s", target.String())
	}

	bundle := &domain.RelatedResourceBundle{}
	for i := range pods.Items {
		if i >= maxRelatedObjects {
			break
		}
		pod := &pods.Items[i]
		bundle.Snapshots = append(bundle.Snapshots, *podSnapshot(pod))
		podTarget := domain.DiagnosisTarget{
			ClusterID: target.ClusterID,
			Kind:      KindPod,
			Namespace: pod.Namespace,
			Name:      pod.Name,
		}
		if events, err := c.Events(ctx, podTarget); err == nil {
			bundle.Events = append(bundle.Events, events...)
		}
	}
	return bundle, nil
}

// workloadSelector 取工作负载的 Pod 标签选择器。
func (c *Collector) workloadSelector(ctx context.Context, target domain.DiagnosisTarget) (labels.Selector, error) {
	var ls *metav1.LabelSelector
	switch target.Kind {
	case KindDeployment:
		deploy, err := c.clientset.AppsV1().Deployments(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 Deployment 失败: %s", target.String())
		}
		ls = deploy.Spec.Selector
	case KindStatefulSet:
		sts, err := c.clientset.AppsV1().StatefulSets(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 StatefulSet 失败: %s", target.String())
		}
		ls = sts.Spec.Selector
	case KindDaemonSet:
		ds, err := c.clientset.AppsV1().DaemonSets(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "获取 DaemonSet 失败: %s", target.String())
		}
		ls = ds.Spec.Selector
	default:
		return nil, errors.Errorf("不支持的工作负载类型: %s", target.Kind)
	}
	selector, err := metav1.LabelSelectorAsSelector(ls)
	if err != nil {
		return nil, errors.Wrap(err, "解析标签选择器失败")
	}
	return selector, nil
}

// podSnapshot 生成 Pod 快照。Phase 在容器异常时细化为具体原因。
func podSnapshot(pod *corev1.Pod) *domain.ResourceSnapshot {
	phase := string(pod.Status.Phase)
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			phase = cs.State.Waiting.Reason
			break
		}
	}
	return objectSnapshot(KindPod, pod.Namespace, pod.Name, phase, pod)
}

func objectSnapshot(kind, namespace, name, phase string, obj interface{}) *domain.ResourceSnapshot {
	return &domain.ResourceSnapshot{
		Kind:      kind,
		Namespace: namespace,
		Name:      name,
		Phase:     phase,
		Manifest:  trimManifest(obj),
		FetchTime: timex.NowLocalTime(),
	}
}

// trimManifest 序列化对象并剔除体积大且对诊断无用的字段。
func trimManifest(obj interface{}) string {
	switch o := obj.(type) {
	case *corev1.Pod:
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		delete(cp.Annotations, "kubectl.kubernetes.io/last-applied-configuration")
		return utils.JsonEncode(cp)
	case *appsv1.Deployment:
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		delete(cp.Annotations, "kubectl.kubernetes.io/last-applied-configuration")
		return utils.JsonEncode(cp)
	case *appsv1.StatefulSet:
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		delete(cp.Annotations, "kubectl.kubernetes.io/last-applied-configuration")
		return utils.JsonEncode(cp)
	case *appsv1.DaemonSet:
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		delete(cp.Annotations, "kubectl.kubernetes.io/last-applied-configuration")
		return utils.JsonEncode(cp)
	case *corev1.Node:
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		cp.Status.Images = nil
		return utils.JsonEncode(cp)
	case *corev1.Service:
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		return utils.JsonEncode(cp)
	case *corev1.Secret:
		// 只留元数据，密文不进证据
		cp := o.DeepCopy()
		cp.ManagedFields = nil
		cp.Data = nil
		cp.StringData = nil
		return utils.JsonEncode(cp)
	default:
		return utils.JsonEncode(obj)
	}
}

func deploymentPhase(deploy *appsv1.Deployment) string {
	for _, cond := range deploy.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
			return cond.Reason
		}
	}
	return fmt.Sprintf("%d/%d ready", deploy.Status.ReadyReplicas, deploy.Status.Replicas)
}

func nodePhase(node *corev1.Node) string {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			if cond.Status == corev1.ConditionTrue {
				return "Ready"
			}
			return "NotReady"
		}
	}
	return "Unknown"
}

func toEventRecord(ev *corev1.Event) domain.EventRecord {
	lastSeen := ev.LastTimestamp.Time
	if lastSeen.IsZero() && ev.Series != nil {
		lastSeen = ev.Series.LastObservedTime.Time
	}
	if lastSeen.IsZero() {
		lastSeen = ev.CreationTimestamp.Time
	}
	count := ev.Count
	if count == 0 && ev.Series != nil {
		count = ev.Series.Count
	}
	return domain.EventRecord{
		Type:      ev.Type,
		Reason:    ev.Reason,
		Message:   ev.Message,
		Count:     count,
		LastSeen:  lastSeen,
		Component: ev.Source.Component,
	}
}

// parseLogLine 解析带 RFC3339 时间戳前缀的日志行。
func parseLogLine(raw, source string) domain.LogLine {
	line := domain.LogLine{Source: source, Message: raw}
	idx := strings.IndexByte(raw, ' ')
	if idx <= 0 {
		return line
	}
	ts, err := time.Parse(time.RFC3339Nano, raw[:idx])
	if err != nil {
		return line
	}
	line.Timestamp = ts
	line.Message = raw[idx+1:]
	return line
}
