package opensearch

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRepositoryFactory(t *testing.T) {
	Convey("TestRepositoryFactory", t, func() {
		client := newMockClient(200, `{}`)
		factory := NewRepositoryFactory(client)

		Convey("各仓储惰性创建且只创建一次", func() {
			record := factory.Record()
			So(record, ShouldNotBeNil)
			So(factory.Record(), ShouldEqual, record)

			iteration := factory.Iteration()
			So(iteration, ShouldNotBeNil)
			So(factory.Iteration(), ShouldEqual, iteration)

			memory := factory.Memory()
			So(memory, ShouldNotBeNil)
			So(factory.Memory(), ShouldEqual, memory)

			knowledge := factory.Knowledge()
			So(knowledge, ShouldNotBeNil)
			So(factory.Knowledge(), ShouldEqual, knowledge)
		})

		Convey("nil client 也能创建工厂", func() {
			f := NewRepositoryFactory(nil)
			So(f.Record(), ShouldNotBeNil)
		})
	})
}
