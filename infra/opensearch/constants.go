package opensearch

// 基础索引名称
const (
	RecordIndexBase    = "itops_diagnosis_record"
	IterationIndexBase = "itops_diagnosis_iteration"
	MemoryIndexBase    = "itops_diagnosis_memory"
	KnowledgeIndexBase = "itops_diagnosis_knowledge"

	maxQuerySize = 5000
	indexPrefix  = "mdl-"
)

// 实际索引名称
var (
	RecordIndex    = indexPrefix + RecordIndexBase
	IterationIndex = indexPrefix + IterationIndexBase
	MemoryIndex    = indexPrefix + MemoryIndexBase
	KnowledgeIndex = indexPrefix + KnowledgeIndexBase
)
