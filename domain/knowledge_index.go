package domain

import "time"

// KnowledgeDoc 对应索引 itops_diagnosis_knowledge。
// 运维知识条目，正文与向量并存，支持词法与 knn 混合检索。
type KnowledgeDoc struct {
	DocID      string    `json:"doc_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	SourceURL  string    `json:"source_url,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	UpdateTime time.Time `json:"update_time"`
}

// ScoredKnowledgeDoc 检索命中的知识条目及其相关性得分。
// Score 为词法与向量两路召回的混合得分，VectorScore 单独保留向量路得分用于同分排序。
type ScoredKnowledgeDoc struct {
	KnowledgeDoc
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score,omitempty"`
}
