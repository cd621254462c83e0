package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	httputil "devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/http"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

const (
	queryRangePath = "/api/v1/query_range"
	defaultStep    = time.Minute
)

// 指标语义名，规则引擎按此名称取阈值对应的序列。
const (
	MetricCPUUsage     = "cpu_usage_cores"
	MetricMemoryUsage  = "memory_working_set_bytes"
	MetricRestartTotal = "container_restart_total"
)

// Client Prometheus 协议兼容的指标数据源。
type Client struct {
	httpClient *httputil.Client
	step       time.Duration
}

var _ core.MetricSource = (*Client)(nil)

// NewClient 创建指标查询客户端。
func NewClient(cfg config.MetricsConfig) *Client {
	step := cfg.Step
	if step <= 0 {
		step = defaultStep
	}
	httpClient := httputil.NewClient(httputil.Config{
		BaseURL: cfg.Endpoint,
		Timeout: cfg.Timeout,
	}, nil).WithLogger(log.Logger)

	return &Client{httpClient: httpClient, step: step}
}

// promQuery 一条待执行的 PromQL 及其语义名。
type promQuery struct {
	metric string
	expr   string
}

// rangeResponse Prometheus /query_range 响应结构。
type rangeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]interface{}  `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query 查询目标对象的关键指标序列。
// 单条 PromQL 失败只记日志不中断，指标缺失不应阻塞诊断。
func (c *Client) Query(ctx context.Context, target domain.DiagnosisTarget, start, end time.Time) ([]domain.MetricSeries, error) {
	queries := buildQueries(target)
	if len(queries) == 0 {
		return nil, errors.Errorf("不支持的对象类型: %s", target.Kind)
	}

	var series []domain.MetricSeries
	var lastErr error
	for _, q := range queries {
		result, err := c.queryRange(ctx, q, start, end)
		if err != nil {
			log.Warnf("查询指标失败: metric=%s, target=%s, %v", q.metric, target.String(), err)
			lastErr = err
			continue
		}
		series = append(series, result...)
	}
	if len(series) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return series, nil
}

func (c *Client) queryRange(ctx context.Context, q promQuery, start, end time.Time) ([]domain.MetricSeries, error) {
	query := url.Values{}
	query.Set("query", q.expr)
	query.Set("start", strconv.FormatInt(start.Unix(), 10))
	query.Set("end", strconv.FormatInt(end.Unix(), 10))
	query.Set("step", strconv.FormatInt(int64(c.step.Seconds()), 10))

	resp, err := c.httpClient.Do(ctx, httputil.Request{
		Method: http.MethodGet,
		Path:   queryRangePath,
		Query:  query,
	})
	if err != nil {
		return nil, errors.Wrap(err, "请求指标服务失败")
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var decoded rangeResponse
	if err := resp.DecodeJSON(&decoded); err != nil {
		return nil, err
	}
	if decoded.Status != "success" {
		return nil, errors.Errorf("指标服务返回失败: %s", decoded.Error)
	}

	series := make([]domain.MetricSeries, 0, len(decoded.Data.Result))
	for _, r := range decoded.Data.Result {
		points := make([]domain.MetricPoint, 0, len(r.Values))
		for _, v := range r.Values {
			points = append(points, domain.MetricPoint{
				Timestamp: time.Unix(cast.ToInt64(v[0]), 0),
				Value:     cast.ToFloat64(v[1]),
			})
		}
		series = append(series, domain.MetricSeries{
			Metric: q.metric,
			Labels: r.Metric,
			Points: points,
		})
	}
	return series, nil
}

// buildQueries 按对象类型生成 PromQL。工作负载通过 Pod 名前缀匹配其实例。
func buildQueries(target domain.DiagnosisTarget) []promQuery {
	switch target.Kind {
	case "Pod":
		podSelector := fmt.Sprintf(`namespace=%q,pod=%q`, target.Namespace, target.Name)
		return []promQuery{
			{MetricCPUUsage, fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{%s,container!=""}[5m]))`, podSelector)},
			{MetricMemoryUsage, fmt.Sprintf(`sum(container_memory_working_set_bytes{%s,container!=""})`, podSelector)},
			{MetricRestartTotal, fmt.Sprintf(`sum(kube_pod_container_status_restarts_total{%s})`, podSelector)},
		}
	case "Deployment", "StatefulSet", "DaemonSet":
		podSelector := fmt.Sprintf(`namespace=%q,pod=~"%s-.*"`, target.Namespace, target.Name)
		return []promQuery{
			{MetricCPUUsage, fmt.Sprintf(`sum by (pod) (rate(container_cpu_usage_seconds_total{%s,container!=""}[5m]))`, podSelector)},
			{MetricMemoryUsage, fmt.Sprintf(`sum by (pod) (container_memory_working_set_bytes{%s,container!=""})`, podSelector)},
			{MetricRestartTotal, fmt.Sprintf(`sum by (pod) (kube_pod_container_status_restarts_total{%s})`, podSelector)},
		}
	case "Node":
		nodeSelector := fmt.Sprintf(`node=%q`, target.Name)
		return []promQuery{
			{MetricCPUUsage, fmt.Sprintf(`sum(rate(node_cpu_seconds_total{%s,mode!="idle"}[5m]))`, nodeSelector)},
			{MetricMemoryUsage, fmt.Sprintf(`node_memory_MemTotal_bytes{%s} - node_memory_MemAvailable_bytes{%s}`, nodeSelector, nodeSelector)},
		}
	default:
		return nil
	}
}
