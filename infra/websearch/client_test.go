package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
)

func TestWebSearch(t *testing.T) {
	Convey("外部检索", t, func() {
		Convey("正常解析检索结果", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.URL.Path, ShouldEqual, "/search")
				c.So(r.URL.Query().Get("q"), ShouldEqual, "CrashLoopBackOff exit code 137")
				c.So(r.URL.Query().Get("format"), ShouldEqual, "json")
				_, _ = w.Write([]byte(`{
					"results": [
						{"title": "Pod OOMKilled troubleshooting", "url": "https://example.com/oom", "content": "Exit code 137 means the container was killed by the OOM killer."},
						{"title": "CrashLoopBackOff guide", "url": "https://example.com/clb", "content": "A pod restarts repeatedly."},
						{"title": "third", "url": "https://example.com/3", "content": "extra"}
					]
				}`))
			}))
			defer server.Close()

			client := NewClient(config.WebSearchConfig{Endpoint: server.URL, Enabled: true})
			results, err := client.Search(context.Background(), "CrashLoopBackOff exit code 137", 2)
			So(err, ShouldBeNil)
			So(len(results), ShouldEqual, 2)
			So(results[0].Title, ShouldEqual, "Pod OOMKilled troubleshooting")
			So(results[0].URL, ShouldEqual, "https://example.com/oom")
			So(results[0].Snippet, ShouldContainSubstring, "OOM killer")
		})

		Convey("未启用时返回空结果", func() {
			client := NewClient(config.WebSearchConfig{Endpoint: "http://127.0.0.1:18888", Enabled: false})
			results, err := client.Search(context.Background(), "anything", 5)
			So(err, ShouldBeNil)
			So(results, ShouldBeNil)
		})

		Convey("检索词为空返回错误", func() {
			client := NewClient(config.WebSearchConfig{Endpoint: "http://127.0.0.1:18888", Enabled: true})
			_, err := client.Search(context.Background(), "", 5)
			So(err, ShouldNotBeNil)
		})

		Convey("服务端 500", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			client := NewClient(config.WebSearchConfig{Endpoint: server.URL, Enabled: true})
			_, err := client.Search(context.Background(), "query", 5)
			So(err, ShouldNotBeNil)
		})

		Convey("请求超时", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			}))
			defer server.Close()

			client := NewClient(config.WebSearchConfig{Endpoint: server.URL, Enabled: true, Timeout: 50 * time.Millisecond})
			_, err := client.Search(context.Background(), "query", 5)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestTruncateSnippet(t *testing.T) {
	Convey("截断过长摘要", t, func() {
		Convey("短文本原样返回", func() {
			So(truncateSnippet("short"), ShouldEqual, "short")
		})

		Convey("超长文本截断并加省略号", func() {
			long := strings.Repeat("甲", 600)
			got := truncateSnippet(long)
			So(len([]rune(got)), ShouldEqual, 503)
			So(strings.HasSuffix(got, "..."), ShouldBeTrue)
		})
	})
}
