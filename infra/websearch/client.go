package websearch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	httputil "devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/http"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
)

const (
	searchPath     = "/search"
	defaultLimit   = 5
	snippetMaxRune = 500
)

// Client SearxNG 兼容的外部检索客户端。
// 只在知识库与扩大范围都无法提升置信度时作为兜底调用。
type Client struct {
	httpClient *httputil.Client
	enabled    bool
}

var _ core.WebSearcher = (*Client)(nil)

// NewClient 创建外部检索客户端。
func NewClient(cfg config.WebSearchConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := httputil.NewClient(httputil.Config{
		BaseURL: cfg.Endpoint,
		Timeout: timeout,
	}, nil).WithLogger(log.Logger)

	return &Client{httpClient: httpClient, enabled: cfg.Enabled}
}

// searchResponse SearxNG JSON 接口的响应结构。
type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search 执行外部检索。未启用时返回空结果而非错误，调用方按证据缺失处理。
func (c *Client) Search(ctx context.Context, query string, limit int) ([]domain.WebSearchResult, error) {
	if !c.enabled {
		return nil, nil
	}
	if query == "" {
		return nil, errors.New("检索词不能为空")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")

	resp, err := c.httpClient.Do(ctx, httputil.Request{
		Method: http.MethodGet,
		Path:   searchPath,
		Query:  values,
	})
	if err != nil {
		return nil, errors.Wrap(err, "请求检索服务失败")
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var decoded searchResponse
	if err := resp.DecodeJSON(&decoded); err != nil {
		return nil, err
	}

	results := make([]domain.WebSearchResult, 0, limit)
	for _, r := range decoded.Results {
		if len(results) >= limit {
			break
		}
		results = append(results, domain.WebSearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: truncateSnippet(r.Content),
		})
	}
	log.Debugw("外部检索完成", "query", query, "hits", strconv.Itoa(len(results)))
	return results, nil
}

// truncateSnippet 截断过长的摘要，避免把整页内容塞进提示词。
func truncateSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= snippetMaxRune {
		return s
	}
	return string(runes[:snippetMaxRune]) + "..."
}
