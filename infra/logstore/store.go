package logstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	opensearchsdk "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

// DefaultIndexPattern 容器日志在中心日志库的索引模式。
const DefaultIndexPattern = "mdl-k8s_container_log*"

const maxQuerySize = 5000

// Store 从中心日志库按对象与时间窗检索容器日志。
// 目标已不在集群中（Pod 被删除、节点失联）时诊断走这条路径。
type Store struct {
	client *opensearchsdk.Client
	index  string
}

var _ core.LogSource = (*Store)(nil)

// NewStore 创建日志检索器。index 为空时使用默认索引模式。
func NewStore(client *opensearchsdk.Client, index string) *Store {
	if index == "" {
		index = DefaultIndexPattern
	}
	return &Store{client: client, index: index}
}

// logDocument 中心日志库的容器日志结构。
type logDocument struct {
	Timestamp time.Time `json:"@timestamp"`
	Message   string    `json:"message"`
	Resource  struct {
		ClusterID     string `json:"cluster_id"`
		Namespace     string `json:"namespace"`
		PodName       string `json:"pod_name"`
		ContainerName string `json:"container_name"`
	} `json:"resource"`
}

// Query 按目标对象与时间窗查询日志，按时间升序返回。
func (s *Store) Query(ctx context.Context, target domain.DiagnosisTarget, start, end time.Time, limit int) ([]domain.LogLine, error) {
	defer func(t time.Time) {
		log.Debugw("OpenSearch",
			"operation", "LogStore.Query",
			"index", s.index,
			"target", target.String(),
			"duration_ms", time.Since(t).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, errors.New("opensearch client 未初始化")
	}
	if limit <= 0 || limit > maxQuerySize {
		limit = maxQuerySize
	}

	filter := []any{
		map[string]any{"range": map[string]any{"@timestamp": map[string]any{
			"gte": start.Format(time.RFC3339),
			"lte": end.Format(time.RFC3339),
		}}},
	}
	if target.ClusterID != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"resource.cluster_id": target.ClusterID}})
	}
	if target.Namespace != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"resource.namespace": target.Namespace}})
	}
	filter = append(filter, podNameClause(target))

	body, err := encodeBody(map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{"filter": filter},
		},
		"sort": []any{
			map[string]any{"@timestamp": map[string]any{"order": "asc", "unmapped_type": "date"}},
		},
	})
	if err != nil {
		return nil, err
	}

	req := opensearchapi.SearchRequest{
		Index: []string{s.index},
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.Wrap(err, "查询容器日志失败")
	}
	defer func() {
		_ = res.Body.Close()
	}()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "读取响应失败")
	}
	if res.IsError() {
		return nil, errors.Errorf("查询容器日志失败: %s", string(data))
	}

	var decoded struct {
		Hits struct {
			Hits []struct {
				Source logDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.Wrap(err, "解析响应失败")
	}

	lines := make([]domain.LogLine, 0, len(decoded.Hits.Hits))
	for _, hit := range decoded.Hits.Hits {
		doc := hit.Source
		source := doc.Resource.PodName
		if doc.Resource.ContainerName != "" {
			source = fmt.Sprintf("%s/%s", doc.Resource.PodName, doc.Resource.ContainerName)
		}
		lines = append(lines, domain.LogLine{
			Timestamp: doc.Timestamp,
			Source:    source,
			Message:   doc.Message,
		})
	}
	return lines, nil
}

// podNameClause Pod 精确匹配，工作负载按名称前缀匹配其实例。
func podNameClause(target domain.DiagnosisTarget) map[string]any {
	if target.Kind == "Pod" {
		return map[string]any{"term": map[string]any{"resource.pod_name": target.Name}}
	}
	return map[string]any{"prefix": map[string]any{"resource.pod_name": target.Name + "-"}}
}

func encodeBody(body any) (io.Reader, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "序列化查询体失败")
	}
	return bytes.NewReader(data), nil
}
