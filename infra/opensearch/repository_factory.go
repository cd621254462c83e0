package opensearch

import (
	"github.com/opensearch-project/opensearch-go/v2"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
)

type RepositoryFactory struct {
	client *opensearch.Client

	recordStore    core.RecordRepository
	iterationStore core.IterationRepository
	memoryStore    core.MemoryRepository
	knowledgeStore core.KnowledgeRepository
}

func NewRepositoryFactory(client *opensearch.Client) *RepositoryFactory {
	return &RepositoryFactory{client: client}
}

func (r *RepositoryFactory) Record() core.RecordRepository {
	if r.recordStore == nil {
		r.recordStore = NewRecordStore(r.client)
	}
	return r.recordStore
}

func (r *RepositoryFactory) Iteration() core.IterationRepository {
	if r.iterationStore == nil {
		r.iterationStore = NewIterationStore(r.client)
	}
	return r.iterationStore
}

func (r *RepositoryFactory) Memory() core.MemoryRepository {
	if r.memoryStore == nil {
		r.memoryStore = NewMemoryStore(r.client)
	}
	return r.memoryStore
}

func (r *RepositoryFactory) Knowledge() core.KnowledgeRepository {
	if r.knowledgeStore == nil {
		r.knowledgeStore = NewKnowledgeStore(r.client)
	}
	return r.knowledgeStore
}

var _ core.RepositoryFactory = (*RepositoryFactory)(nil)
