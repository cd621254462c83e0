package dip

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	// agentQueryEmbed 向量计算查询文本
	agentQueryEmbed = "请输出向量"
)

// EmbeddingAgent 计算文本向量，实现 core.EmbeddingAgent。
type EmbeddingAgent struct {
	client  *Client
	getConf func() AgentCallConfig
}

func NewEmbeddingAgent(client *Client, getConf func() AgentCallConfig) *EmbeddingAgent {
	return &EmbeddingAgent{client: client, getConf: getConf}
}

// embeddingPayload 智能体约定输出 JSON：{"embedding": [0.1, ...]}。
type embeddingPayload struct {
	Embedding []float32 `json:"embedding"`
}

// Embed 计算文本向量，供知识库 knn 检索使用。
func (a *EmbeddingAgent) Embed(ctx context.Context, text string) ([]float32, error) {
	if a == nil || a.client == nil {
		return nil, errors.New("embedding agent 未初始化")
	}
	if text == "" {
		return nil, errors.New("待向量化文本不能为空")
	}

	rawText, err := a.client.callAgent(ctx, a.getConf(), agentQueryEmbed, map[string]interface{}{
		"content": text,
	})
	if err != nil {
		return nil, err
	}

	var payload embeddingPayload
	if err := json.Unmarshal([]byte(stripCodeFence(rawText)), &payload); err != nil {
		return nil, errors.Wrapf(err, "解析向量响应失败，原文：%s", rawText)
	}
	if len(payload.Embedding) == 0 {
		return nil, errors.New("agent 返回的向量为空")
	}
	return payload.Embedding, nil
}
