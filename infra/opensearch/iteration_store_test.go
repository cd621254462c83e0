package opensearch

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

func testIteration() domain.DiagnosisIteration {
	return domain.DiagnosisIteration{
		IterationID:     2001,
		RecordID:        1001,
		Sequence:        1,
		IterationStatus: domain.IterationStatusRunning,
		TriggeredBy:     domain.SourceAPI,
		StartTime:       time.Now().Local(),
	}
}

func TestIterationStore_Upsert(t *testing.T) {
	Convey("TestIterationStore_Upsert", t, func() {
		ctx := context.Background()

		Convey("写入成功", func() {
			store := NewIterationStore(newMockClient(200, `{"result":"created"}`))

			err := store.Upsert(ctx, testIteration())
			So(err, ShouldBeNil)
		})

		Convey("iteration_id 为空时报错", func() {
			store := NewIterationStore(newMockClient(200, `{}`))

			it := testIteration()
			it.IterationID = 0
			err := store.Upsert(ctx, it)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "iteration_id 不能为空")
		})

		Convey("网络错误", func() {
			store := NewIterationStore(newMockClientWithError(errors.New("connection refused")))

			err := store.Upsert(ctx, testIteration())
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "写入诊断迭代失败")
		})
	})
}

func TestIterationStore_QueryByID(t *testing.T) {
	Convey("TestIterationStore_QueryByID", t, func() {
		ctx := context.Background()

		Convey("命中迭代", func() {
			body := `{"docs":[{"found":true,"_source":{"iteration_id":2001,"record_id":1001,"sequence":2,"final_confidence":0.85,"confidence_source":"knowledge_search"}}]}`
			store := NewIterationStore(newMockClient(200, body))

			it, err := store.QueryByID(ctx, 2001)
			So(err, ShouldBeNil)
			So(it, ShouldNotBeNil)
			So(it.Sequence, ShouldEqual, 2)
			So(it.FinalConfidence, ShouldEqual, 0.85)
			So(it.ConfidenceSource, ShouldEqual, domain.StepKnowledgeSearch)
		})

		Convey("id 为 0 时直接返回", func() {
			store := NewIterationStore(newMockClient(200, `{}`))

			it, err := store.QueryByID(ctx, 0)
			So(err, ShouldBeNil)
			So(it, ShouldBeNil)
		})
	})
}

func TestIterationStore_QueryByRecordID(t *testing.T) {
	Convey("TestIterationStore_QueryByRecordID", t, func() {
		ctx := context.Background()

		Convey("按序号升序返回全部迭代", func() {
			body := `{"hits":{"total":{"value":2},"hits":[{"_source":{"iteration_id":2001,"sequence":1}},{"_source":{"iteration_id":2002,"sequence":2}}]}}`
			store := NewIterationStore(newMockClient(200, body))

			items, err := store.QueryByRecordID(ctx, 1001)
			So(err, ShouldBeNil)
			So(len(items), ShouldEqual, 2)
			So(items[0].Sequence, ShouldEqual, 1)
			So(items[1].Sequence, ShouldEqual, 2)
		})

		Convey("record_id 为 0 时直接返回", func() {
			store := NewIterationStore(newMockClient(200, `{}`))

			items, err := store.QueryByRecordID(ctx, 0)
			So(err, ShouldBeNil)
			So(items, ShouldBeNil)
		})
	})
}

func TestIterationStore_LatestByRecordID(t *testing.T) {
	Convey("TestIterationStore_LatestByRecordID", t, func() {
		ctx := context.Background()

		Convey("返回最近一次迭代", func() {
			body := `{"hits":{"total":{"value":3},"hits":[{"_source":{"iteration_id":2003,"sequence":3,"steps":[{"step":"initial_analysis","ran":true,"confidence":0.6}]}}]}}`
			store := NewIterationStore(newMockClient(200, body))

			it, err := store.LatestByRecordID(ctx, 1001)
			So(err, ShouldBeNil)
			So(it, ShouldNotBeNil)
			So(it.Sequence, ShouldEqual, 3)

			step, ran := it.StepRan(domain.StepInitialAnalysis)
			So(ran, ShouldBeTrue)
			So(step.Confidence, ShouldEqual, 0.6)
		})

		Convey("无迭代时返回 nil", func() {
			body := `{"hits":{"total":{"value":0},"hits":[]}}`
			store := NewIterationStore(newMockClient(200, body))

			it, err := store.LatestByRecordID(ctx, 1001)
			So(err, ShouldBeNil)
			So(it, ShouldBeNil)
		})
	})
}
