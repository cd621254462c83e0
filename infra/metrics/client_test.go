package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

func rangeResponseBody(metric map[string]string, values ...[2]interface{}) string {
	body := map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"resultType": "matrix",
			"result": []map[string]interface{}{
				{"metric": metric, "values": values},
			},
		},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func TestMetricsQuery(t *testing.T) {
	Convey("查询目标指标序列", t, func() {
		start := time.Now().Add(-30 * time.Minute)
		end := time.Now()

		Convey("正常解析 matrix 响应", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.URL.Path, ShouldEqual, "/api/v1/query_range")
				c.So(r.URL.Query().Get("query"), ShouldNotBeEmpty)
				c.So(r.URL.Query().Get("step"), ShouldEqual, "60")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(rangeResponseBody(
					map[string]string{"pod": "demo-0"},
					[2]interface{}{1757000000, "0.25"},
					[2]interface{}{1757000060, "0.31"},
				)))
			}))
			defer server.Close()

			client := NewClient(config.MetricsConfig{Endpoint: server.URL, Step: time.Minute})
			series, err := client.Query(context.Background(), domain.DiagnosisTarget{
				Kind: "Pod", Namespace: "default", Name: "demo-0",
			}, start, end)
			So(err, ShouldBeNil)
			// Pod 有 CPU、内存、重启三条 PromQL
			So(len(series), ShouldEqual, 3)
			So(series[0].Metric, ShouldEqual, MetricCPUUsage)
			So(series[0].Labels["pod"], ShouldEqual, "demo-0")
			So(len(series[0].Points), ShouldEqual, 2)
			So(series[0].Points[1].Value, ShouldEqual, 0.31)
		})

		Convey("Node 只查 CPU 与内存", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(rangeResponseBody(map[string]string{"node": "node-1"},
					[2]interface{}{1757000000, "1.5"})))
			}))
			defer server.Close()

			client := NewClient(config.MetricsConfig{Endpoint: server.URL})
			series, err := client.Query(context.Background(), domain.DiagnosisTarget{Kind: "Node", Name: "node-1"}, start, end)
			So(err, ShouldBeNil)
			So(len(series), ShouldEqual, 2)
		})

		Convey("服务端返回失败状态", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":"error","error":"query timed out"}`))
			}))
			defer server.Close()

			client := NewClient(config.MetricsConfig{Endpoint: server.URL})
			_, err := client.Query(context.Background(), domain.DiagnosisTarget{
				Kind: "Pod", Namespace: "default", Name: "demo-0",
			}, start, end)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "query timed out")
		})

		Convey("服务端 500", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			client := NewClient(config.MetricsConfig{Endpoint: server.URL})
			_, err := client.Query(context.Background(), domain.DiagnosisTarget{
				Kind: "Pod", Namespace: "default", Name: "demo-0",
			}, start, end)
			So(err, ShouldNotBeNil)
		})

		Convey("不支持的对象类型", func() {
			client := NewClient(config.MetricsConfig{Endpoint: "http://127.0.0.1:19090"})
			_, err := client.Query(context.Background(), domain.DiagnosisTarget{Kind: "Service", Name: "web"}, start, end)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "不支持的对象类型")
		})

		Convey("部分 PromQL 失败时返回已有序列", func() {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls == 1 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				_, _ = w.Write([]byte(rangeResponseBody(map[string]string{"pod": "demo-0"},
					[2]interface{}{1757000000, "0.5"})))
			}))
			defer server.Close()

			client := NewClient(config.MetricsConfig{Endpoint: server.URL})
			series, err := client.Query(context.Background(), domain.DiagnosisTarget{
				Kind: "Pod", Namespace: "default", Name: "demo-0",
			}, start, end)
			So(err, ShouldBeNil)
			So(len(series), ShouldEqual, 2)
		})
	})
}

func TestBuildQueries(t *testing.T) {
	Convey("按对象类型生成 PromQL", t, func() {
		Convey("Pod 按精确名称匹配", func() {
			queries := buildQueries(domain.DiagnosisTarget{Kind: "Pod", Namespace: "default", Name: "demo-0"})
			So(len(queries), ShouldEqual, 3)
			So(queries[0].expr, ShouldContainSubstring, `pod="demo-0"`)
		})

		Convey("工作负载按名称前缀匹配实例", func() {
			queries := buildQueries(domain.DiagnosisTarget{Kind: "Deployment", Namespace: "default", Name: "web"})
			So(len(queries), ShouldEqual, 3)
			So(queries[0].expr, ShouldContainSubstring, `pod=~"web-.*"`)
		})
	})
}
