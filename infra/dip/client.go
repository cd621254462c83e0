package dip

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	httputil "devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/http"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

const (
	// agentAPIPathTemplate Agent API 路径模板
	agentAPIPathTemplate = "/api/agent-app/v1/app/%s/api/chat/completion"
)

// Config 平台客户端配置
type Config struct {
	Host               string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// AgentCallConfig 单次 Agent 调用所需的应用信息与凭据。
type AgentCallConfig struct {
	AppID         string
	AgentKey      string
	Authorization string
}

// Client DIP 平台客户端，承载各 Agent 的 HTTP 调用。
type Client struct {
	httpClient *httputil.Client
}

// NewClient 创建 DIP 客户端实例。
// getAuth: 动态获取 Authorization
func NewClient(cfg Config, getAuth func() string) *Client {
	headers := map[string]string{
		"User-Agent": "itops-cluster-diagnosis",
	}
	httpClient := httputil.NewClient(httputil.Config{
		BaseURL:            cfg.Host,
		Timeout:            cfg.Timeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Headers:            headers,
	}, getAuth).WithLogger(log.Logger)

	return &Client{
		httpClient: httpClient,
	}
}

// callAgent 调用智能体接口并提取 final_answer 文本。
func (c *Client) callAgent(ctx context.Context, callCfg AgentCallConfig, query string, customQuerys map[string]interface{}) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", errors.New("client 未初始化")
	}
	if ctx == nil {
		return "", errors.New("上下文不能为 nil")
	}
	if callCfg.AppID == "" {
		return "", errors.New("app_id 不能为空")
	}
	if callCfg.AgentKey == "" {
		return "", errors.New("agent_key 不能为空")
	}

	path := fmt.Sprintf(agentAPIPathTemplate, callCfg.AppID)

	reqBody := domain.AgentRequest{
		AgentKey:     callCfg.AgentKey,
		CustomQuerys: customQuerys,
		Query:        query,
		Stream:       false,
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if callCfg.Authorization != "" {
		headers["Authorization"] = callCfg.Authorization
	}

	resp, err := c.httpClient.Post(ctx, path, reqBody, headers)
	if err != nil {
		return "", errors.Wrapf(err, "发送 agent 请求失败")
	}
	if resp == nil {
		return "", errors.New("agent 响应为空")
	}
	if err := resp.Error(); err != nil {
		return "", errors.Wrapf(err, "agent 请求失败")
	}

	var agentResp domain.AgentResponse
	if err := resp.DecodeJSON(&agentResp); err != nil {
		return "", errors.Wrapf(err, "解析 agent 响应失败")
	}

	return extractRawTextFromResponse(&agentResp)
}

// extractRawTextFromResponse 从 Agent 响应中提取原始文本
func extractRawTextFromResponse(resp *domain.AgentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("agent 响应为空")
	}

	rawText := resp.Message.Content.FinalAnswer.Answer.Text
	if rawText == "" {
		return "", errors.New("agent 响应中 final_answer.answer.text 为空")
	}

	return rawText, nil
}
