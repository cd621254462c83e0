package opensearch

import (
	"context"
	"sort"
	"time"

	opensearchsdk "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

// KnowledgeStore 负责 itops_diagnosis_knowledge 索引。
// 检索时词法与向量各出一路召回，混合打分。
type KnowledgeStore struct {
	client *opensearchsdk.Client
}

// knowledgeDocument 包装 KnowledgeDoc 并补充索引所需的公共字段。
type knowledgeDocument struct {
	domain.KnowledgeDoc
	Timestamp time.Time `json:"@timestamp"`
	WriteTime time.Time `json:"__write_time"`
	DataType  string    `json:"__data_type"`
	IndexBase string    `json:"__index_base"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	ID        string    `json:"__id"`
}

func NewKnowledgeStore(client *opensearchsdk.Client) *KnowledgeStore {
	return &KnowledgeStore{client: client}
}

func (s *KnowledgeStore) Upsert(ctx context.Context, kd domain.KnowledgeDoc) error {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "KnowledgeStore.Upsert",
			"index", KnowledgeIndex,
			"document_id", kd.DocID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return errors.New("opensearch client 未初始化")
	}
	if kd.DocID == "" {
		return errors.New("doc_id 不能为空")
	}

	ts := kd.UpdateTime
	if ts.IsZero() {
		ts = time.Now().Local()
	}
	doc := knowledgeDocument{
		KnowledgeDoc: kd,
		Timestamp:    ts,
		WriteTime:    time.Now().Local(),
		DataType:     KnowledgeIndexBase,
		IndexBase:    KnowledgeIndexBase,
		Category:     "log",
		Type:         KnowledgeIndexBase,
		ID:           kd.DocID,
	}

	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	req := opensearchapi.IndexRequest{
		Index:      KnowledgeIndex,
		DocumentID: kd.DocID,
		Body:       body,
		Refresh:    "wait_for",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "写入知识条目失败")
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

// Search 混合检索：词法与 knn 各出一路召回，按 DocID 合并后混合分相加。
// 混合分相同的条目按向量路得分降序排列。
func (s *KnowledgeStore) Search(ctx context.Context, query string, vector []float32, topK int) ([]domain.ScoredKnowledgeDoc, error) {
	defer func(start time.Time) {
		log.Debugw("OpenSearch",
			"operation", "KnowledgeStore.Search",
			"index", KnowledgeIndex,
			"query", query,
			"top_k", topK,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}(time.Now())

	if s.client == nil {
		return nil, errors.New("opensearch client 未初始化")
	}
	if query == "" && len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}

	merged := map[string]*domain.ScoredKnowledgeDoc{}
	var order []string
	mergeRecall := func(docs []domain.KnowledgeDoc, scores []float64, fromKNN bool) {
		for i, doc := range docs {
			hit, ok := merged[doc.DocID]
			if !ok {
				hit = &domain.ScoredKnowledgeDoc{KnowledgeDoc: doc}
				merged[doc.DocID] = hit
				order = append(order, doc.DocID)
			}
			hit.Score += scores[i]
			if fromKNN {
				hit.VectorScore = scores[i]
			}
		}
	}

	var recallErr error
	if query != "" {
		docs, scores, err := s.recall(ctx, topK, map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"title^2", "content", "tags"},
			},
		})
		if err != nil {
			log.Warnf("知识库词法召回失败: %v", err)
			recallErr = err
		} else {
			mergeRecall(docs, scores, false)
		}
	}
	if len(vector) > 0 {
		docs, scores, err := s.recall(ctx, topK, map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{
					"vector": vector,
					"k":      topK,
				},
			},
		})
		if err != nil {
			log.Warnf("知识库向量召回失败: %v", err)
			recallErr = err
		} else {
			mergeRecall(docs, scores, true)
		}
	}
	// 单路失败时用另一路的结果降级，两路全失败才报错
	if len(merged) == 0 && recallErr != nil {
		return nil, recallErr
	}

	scored := make([]domain.ScoredKnowledgeDoc, 0, len(merged))
	for _, id := range order {
		scored = append(scored, *merged[id])
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].VectorScore > scored[j].VectorScore
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// recall 执行单路召回，返回命中文档与该路得分。
func (s *KnowledgeStore) recall(ctx context.Context, topK int, queryClause map[string]any) ([]domain.KnowledgeDoc, []float64, error) {
	body, err := encodeBody(map[string]any{
		"size":  topK,
		"query": queryClause,
		"_source": map[string]any{
			"excludes": []string{"embedding"},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	req := opensearchapi.SearchRequest{
		Index: []string{KnowledgeIndex},
		Body:  body,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, nil, errors.Wrap(err, "检索知识库失败")
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.IsError() {
		data, _ := readResponseBody(res.Body)
		return nil, nil, formatErrorMessage(data)
	}
	data, err := readResponseBody(res.Body)
	if err != nil {
		return nil, nil, err
	}
	return decodeScoredSearch[domain.KnowledgeDoc](data)
}

var _ core.KnowledgeRepository = (*KnowledgeStore)(nil)
