package opensearch

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
)

func TestMemoryStore_Append(t *testing.T) {
	Convey("TestMemoryStore_Append", t, func() {
		ctx := context.Background()
		memory := domain.DiagnosisMemory{
			MemoryID:    3001,
			RecordID:    1001,
			IterationID: 2001,
			Ordinal:     1,
			MemoryKind:  domain.MemoryKindLog,
			Content:     "Pod web-0 连续重启 5 次，最后一次退出码 137",
			CreateTime:  time.Now().Local(),
		}

		Convey("追加成功", func() {
			store := NewMemoryStore(newMockClient(200, `{"result":"created"}`))

			err := store.Append(ctx, memory)
			So(err, ShouldBeNil)
		})

		Convey("memory_id 为空时报错", func() {
			store := NewMemoryStore(newMockClient(200, `{}`))

			m := memory
			m.MemoryID = 0
			err := store.Append(ctx, m)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "memory_id 不能为空")
		})

		Convey("client 未初始化时报错", func() {
			store := NewMemoryStore(nil)

			err := store.Append(ctx, memory)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestMemoryStore_QueryByRecordID(t *testing.T) {
	Convey("TestMemoryStore_QueryByRecordID", t, func() {
		ctx := context.Background()

		Convey("按时间升序返回记忆", func() {
			body := `{"hits":{"total":{"value":2},"hits":[{"_source":{"memory_id":3001,"ordinal":1,"memory_kind":"log","content":"first"}},{"_source":{"memory_id":3002,"ordinal":2,"memory_kind":"human_feedback","content":"second"}}]}}`
			store := NewMemoryStore(newMockClient(200, body))

			items, err := store.QueryByRecordID(ctx, 1001, 10)
			So(err, ShouldBeNil)
			So(len(items), ShouldEqual, 2)
			So(items[0].MemoryKind, ShouldEqual, domain.MemoryKindLog)
			So(items[0].Ordinal, ShouldEqual, 1)
			So(items[1].MemoryKind, ShouldEqual, domain.MemoryKindHumanFeedback)
		})

		Convey("record_id 为 0 时直接返回", func() {
			store := NewMemoryStore(newMockClient(200, `{}`))

			items, err := store.QueryByRecordID(ctx, 0, 10)
			So(err, ShouldBeNil)
			So(items, ShouldBeNil)
		})
	})
}
