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

// IterationStore 负责 itops_diagnosis_iteration 索引。
type IterationStore struct {
	client *opensearchsdk.Client
}

// iterationDocument 包装 DiagnosisIteration 并补充索引所需的公共字段。
type iterationDocument struct {
	domain.DiagnosisIteration
	Timestamp time.Time `json:"@timestamp"`
	WriteTime time.Time `json:"__write_time"`
	DataType  string    `json:"__data_type"`
	IndexBase string    `json:"__index_base"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	ID        string    `json:"__id"`
}

func NewIterationStore(client *opensearchsdk.Client) *IterationStore {
	return &IterationStore{client: client}
}

func (s *IterationStore) Upsert(ctx context.Context, it domain.DiagnosisIteration) error {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "IterationStore.Upsert",
			"index", IterationIndex,
			"document_id", it.IterationID,
			"record_id", it.RecordID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return errors.New("opensearch client 未初始化")
	}
	if it.IterationID == 0 {
		return errors.New("iteration_id 不能为空")
	}

	ts := it.StartTime
	if ts.IsZero() {
		ts = time.Now().Local()
	}
	doc := iterationDocument{
		DiagnosisIteration: it,
		Timestamp:          ts,
		WriteTime:          time.Now().Local(),
		DataType:           IterationIndexBase,
		IndexBase:          IterationIndexBase,
		Category:           "log",
		Type:               IterationIndexBase,
		ID:                 cast.ToString(it.IterationID),
	}

	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	req := opensearchapi.IndexRequest{
		Index:      IterationIndex,
		DocumentID: cast.ToString(it.IterationID),
		Body:       body,
		Refresh:    "wait_for",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "写入诊断迭代失败")
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

func (s *IterationStore) QueryByID(ctx context.Context, id uint64) (*domain.DiagnosisIteration, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "IterationStore.QueryByID",
			"index", IterationIndex,
			"document_id", id,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, errors.New("opensearch client 未初始化")
	}
	if id == 0 {
		return nil, nil
	}

	body, err := encodeBody(map[string]any{"ids": []string{cast.ToString(id)}})
	if err != nil {
		return nil, err
	}
	req := opensearchapi.MgetRequest{
		Index: IterationIndex,
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.Wrap(err, "查询诊断迭代失败")
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
	items, err := decodeMGet[domain.DiagnosisIteration](data)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// QueryByRecordID 按迭代序号升序返回某条记录的全部迭代。
func (s *IterationStore) QueryByRecordID(ctx context.Context, recordID uint64) ([]domain.DiagnosisIteration, error) {
	return s.queryByRecordID(ctx, recordID, "asc", maxQuerySize)
}

// LatestByRecordID 返回某条记录最近的一次迭代。
func (s *IterationStore) LatestByRecordID(ctx context.Context, recordID uint64) (*domain.DiagnosisIteration, error) {
	items, err := s.queryByRecordID(ctx, recordID, "desc", 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *IterationStore) queryByRecordID(ctx context.Context, recordID uint64, order string, size int) ([]domain.DiagnosisIteration, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "IterationStore.queryByRecordID",
			"index", IterationIndex,
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

	body, err := encodeBody(map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"record_id": recordID}},
				},
			},
		},
		"sort": []any{
			map[string]any{"sequence": map[string]any{"order": order}},
		},
	})
	if err != nil {
		return nil, err
	}
	req := opensearchapi.SearchRequest{
		Index: []string{IterationIndex},
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.Wrap(err, "查询诊断迭代失败")
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
	return decodeSearch[domain.DiagnosisIteration](data)
}

var _ core.IterationRepository = (*IterationStore)(nil)
