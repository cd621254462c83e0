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
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/timex"
)

// RecordStore 负责 itops_diagnosis_record 索引。
type RecordStore struct {
	client *opensearchsdk.Client
}

// recordDocument 包装 DiagnosisRecord 并补充索引所需的公共字段。
type recordDocument struct {
	domain.DiagnosisRecord
	Timestamp time.Time `json:"@timestamp"`
	WriteTime time.Time `json:"__write_time"`
	DataType  string    `json:"__data_type"`
	IndexBase string    `json:"__index_base"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	ID        string    `json:"__id"`
}

func NewRecordStore(client *opensearchsdk.Client) *RecordStore {
	return &RecordStore{client: client}
}

func (s *RecordStore) Upsert(ctx context.Context, record domain.DiagnosisRecord) error {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "RecordStore.Upsert",
			"index", RecordIndex,
			"document_id", record.RecordID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return errors.New("opensearch client 未初始化")
	}
	if record.RecordID == 0 {
		return errors.New("record_id 不能为空")
	}

	ts := record.RecordCreateTime
	if ts.IsZero() {
		ts = time.Now().Local()
	}
	doc := recordDocument{
		DiagnosisRecord: record,
		Timestamp:       ts,
		WriteTime:       time.Now().Local(),
		DataType:        RecordIndexBase,
		IndexBase:       RecordIndexBase,
		Category:        "log",
		Type:            RecordIndexBase,
		ID:              cast.ToString(record.RecordID),
	}

	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	req := opensearchapi.IndexRequest{
		Index:      RecordIndex,
		DocumentID: cast.ToString(record.RecordID),
		Body:       body,
		Refresh:    "wait_for",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "写入诊断记录失败")
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

func (s *RecordStore) QueryByID(ctx context.Context, id uint64) (*domain.DiagnosisRecord, error) {
	records, err := s.QueryByIDs(ctx, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *RecordStore) QueryByIDs(ctx context.Context, ids []uint64) ([]domain.DiagnosisRecord, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "RecordStore.QueryByIDs",
			"index", RecordIndex,
			"ids_count", len(ids),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, errors.New("opensearch client 未初始化")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = cast.ToString(id)
	}

	body, err := encodeBody(map[string]any{"ids": strIDs})
	if err != nil {
		return nil, err
	}
	req := opensearchapi.MgetRequest{
		Index: RecordIndex,
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.Wrap(err, "查询诊断记录失败")
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
	return decodeMGet[domain.DiagnosisRecord](data)
}

// FindOpenByTarget 查询同一对象当前未结束的诊断记录，用于触发去重。
func (s *RecordStore) FindOpenByTarget(ctx context.Context, target domain.DiagnosisTarget) (*domain.DiagnosisRecord, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "RecordStore.FindOpenByTarget",
			"index", RecordIndex,
			"target", target.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, errors.New("opensearch client 未初始化")
	}

	filters := []any{
		map[string]any{"term": map[string]any{"cluster_id": target.ClusterID}},
		map[string]any{"term": map[string]any{"target_kind": target.Kind}},
		map[string]any{"term": map[string]any{"target_name": target.Name}},
		map[string]any{"terms": map[string]any{"record_status": []domain.RecordStatus{
			domain.RecordStatusPending, domain.RecordStatusRunning,
		}}},
	}
	if target.Namespace != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"target_namespace": target.Namespace}})
	}

	body, err := encodeBody(map[string]any{
		"size": 1,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": filters,
			},
		},
		"sort": []any{
			map[string]any{"record_create_time": map[string]any{"order": "desc", "unmapped_type": "date"}},
		},
	})
	if err != nil {
		return nil, err
	}
	req := opensearchapi.SearchRequest{
		Index: []string{RecordIndex},
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.Wrap(err, "查询未结束诊断记录失败")
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
	records, err := decodeSearch[domain.DiagnosisRecord](data)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// List 按集群与状态过滤诊断记录，支持分页。
func (s *RecordStore) List(ctx context.Context, clusterID string, status domain.RecordStatus, from, size int) ([]domain.DiagnosisRecord, int64, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "RecordStore.List",
			"index", RecordIndex,
			"cluster_id", clusterID,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, 0, errors.New("opensearch client 未初始化")
	}
	if size <= 0 || size > maxQuerySize {
		size = maxQuerySize
	}
	if from < 0 {
		from = 0
	}

	filters := make([]any, 0, 2)
	if clusterID != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"cluster_id": clusterID}})
	}
	if status != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"record_status": status}})
	}

	body, err := encodeBody(map[string]any{
		"from":             from,
		"size":             size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": filters,
			},
		},
		"sort": []any{
			map[string]any{"record_create_time": map[string]any{"order": "desc", "unmapped_type": "date"}},
		},
	})
	if err != nil {
		return nil, 0, err
	}
	req := opensearchapi.SearchRequest{
		Index: []string{RecordIndex},
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, 0, errors.Wrap(err, "查询诊断记录列表失败")
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.IsError() {
		data, _ := readResponseBody(res.Body)
		return nil, 0, formatErrorMessage(data)
	}
	data, err := readResponseBody(res.Body)
	if err != nil {
		return nil, 0, err
	}
	return decodeSearchWithTotal[domain.DiagnosisRecord](data)
}

func (s *RecordStore) UpdateStatus(ctx context.Context, id uint64, status domain.RecordStatus, reason domain.FailureReason) error {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "RecordStore.UpdateStatus",
			"index", RecordIndex,
			"document_id", id,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	doc := map[string]any{
		"record_status":      status,
		"failure_reason":     reason,
		"record_update_time": timex.NowLocalTime().Local(),
	}
	return s.partialUpdate(ctx, id, doc)
}

// UpdateConclusion 写入迭代结束后的结论字段。
func (s *RecordStore) UpdateConclusion(ctx context.Context, record domain.DiagnosisRecord) error {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "RecordStore.UpdateConclusion",
			"index", RecordIndex,
			"document_id", record.RecordID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	doc := map[string]any{
		"record_status":       record.RecordStatus,
		"failure_reason":      record.FailureReason,
		"iteration_count":     record.IterationCount,
		"latest_iteration_id": record.LatestIterationID,
		"root_cause":          record.RootCause,
		"five_why":            record.FiveWhy,
		"evidence_chain":      record.EvidenceChain,
		"recommendations":     record.Recommendations,
		"knowledge_refs":      record.KnowledgeRefs,
		"confidence":          record.Confidence,
		"confidence_source":   record.ConfidenceSource,
		"sedimented":          record.Sedimented,
		"record_update_time":  timex.NowLocalTime().Local(),
	}
	return s.partialUpdate(ctx, record.RecordID, doc)
}

func (s *RecordStore) partialUpdate(ctx context.Context, id uint64, doc map[string]any) error {
	if s.client == nil {
		return errors.New("opensearch client 未初始化")
	}
	if id == 0 || len(doc) == 0 {
		return nil
	}
	body, err := encodeBody(map[string]any{"doc": doc})
	if err != nil {
		return err
	}
	req := opensearchapi.UpdateRequest{
		Index:      RecordIndex,
		DocumentID: cast.ToString(id),
		Body:       body,
		Refresh:    "wait_for",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrapf(err, "更新诊断记录 %d 失败", id)
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

var _ core.RecordRepository = (*RecordStore)(nil)
