package opensearch

import (
	"context"
	"time"

	opensearchsdk "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

// MemoryStore 负责 itops_diagnosis_memory 索引。
type MemoryStore struct {
	client *opensearchsdk.Client
}

// memoryDocument 包装 DiagnosisMemory 并补充索引所需的公共字段。
type memoryDocument struct {
	domain.DiagnosisMemory
	Timestamp time.Time `json:"@timestamp"`
	WriteTime time.Time `json:"__write_time"`
	DataType  string    `json:"__data_type"`
	IndexBase string    `json:"__index_base"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	ID        string    `json:"__id"`
}

func NewMemoryStore(client *opensearchsdk.Client) *MemoryStore {
	return &MemoryStore{client: client}
}

// Append 追加一条记忆片段。记忆只增不改。
func (s *MemoryStore) Append(ctx context.Context, m domain.DiagnosisMemory) error {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "MemoryStore.Append",
			"index", MemoryIndex,
			"document_id", m.MemoryID,
			"record_id", m.RecordID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return errors.New("opensearch client 未初始化")
	}
	if m.MemoryID == 0 {
		return errors.New("memory_id 不能为空")
	}

	ts := m.CreateTime
	if ts.IsZero() {
		ts = time.Now().Local()
	}
	doc := memoryDocument{
		DiagnosisMemory: m,
		Timestamp:       ts,
		WriteTime:       time.Now().Local(),
		DataType:        MemoryIndexBase,
		IndexBase:       MemoryIndexBase,
		Category:        "log",
		Type:            MemoryIndexBase,
		ID:              cast.ToString(m.MemoryID),
	}

	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	req := opensearchapi.IndexRequest{
		Index:      MemoryIndex,
		DocumentID: cast.ToString(m.MemoryID),
		Body:       body,
		Refresh:    "wait_for",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "写入诊断记忆失败")
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.IsError() {
		data, _ := readResponseBody(res.Body)
		return formatErrorMessage(data)
	}
	return nil
}

// QueryByRecordID 按时间升序返回某条记录最近的记忆片段，limit<=0 时取全部。
func (s *MemoryStore) QueryByRecordID(ctx context.Context, recordID uint64, limit int) ([]domain.DiagnosisMemory, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "MemoryStore.QueryByRecordID",
			"index", MemoryIndex,
			"record_id", recordID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, errors.New("opensearch client 未初始化")
	}
	if recordID == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > maxQuerySize {
		limit = maxQuerySize
	}

	body, err := encodeBody(map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"record_id": recordID}},
				},
			},
		},
		"sort": []any{
			map[string]any{"create_time": map[string]any{"order": "asc", "unmapped_type": "date"}},
		},
	})
	if err != nil {
		return nil, err
	}
	req := opensearchapi.SearchRequest{
		Index: []string{MemoryIndex},
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.Wrap(err, "查询诊断记忆失败")
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.IsError() {
		data, _ := readResponseBody(res.Body)
		return nil, formatErrorMessage(data)
	}
	data, err := readResponseBody(res.Body)
	if err != nil {
		return nil, err
	}
	return decodeSearch[domain.DiagnosisMemory](data)
}

var _ core.MemoryRepository = (*MemoryStore)(nil)
