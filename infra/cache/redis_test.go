package cache

import (
	"context"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	. "github.com/smartystreets/goconvey/convey"
)

// TestNewRedisCache_Standalone 测试 Standalone 模式创建
func TestNewRedisCache_Standalone(t *testing.T) {
	Convey("TestNewRedisCache_Standalone", t, func() {
		Convey("Standalone 模式创建成功", func() {
			db, mock := redismock.NewClientMock()
			mock.ExpectPing().SetVal("PONG")

			patches := gomonkey.ApplyFunc(newStandaloneClient, func(cfg RedisConfig) *redis.Client {
				return db
			})
			defer patches.Reset()

			c, err := NewRedisCache(RedisConfig{Host: "localhost:6379"})
			So(err, ShouldBeNil)
			So(c, ShouldNotBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("Standalone 模式 Ping 失败", func() {
			db, mock := redismock.NewClientMock()
			mock.ExpectPing().SetErr(redis.ErrClosed)

			patches := gomonkey.ApplyFunc(newStandaloneClient, func(cfg RedisConfig) *redis.Client {
				return db
			})
			defer patches.Reset()

			c, err := NewRedisCache(RedisConfig{Host: "localhost:6379"})
			So(err, ShouldNotBeNil)
			So(c, ShouldBeNil)
			So(err.Error(), ShouldContainSubstring, "连接 redis 失败")
		})
	})
}

// TestNewRedisCache_Sentinel 测试 Sentinel 模式创建
func TestNewRedisCache_Sentinel(t *testing.T) {
	Convey("TestNewRedisCache_Sentinel", t, func() {
		Convey("Sentinel 模式创建成功", func() {
			db, mock := redismock.NewClientMock()
			mock.ExpectPing().SetVal("PONG")

			patches := gomonkey.ApplyFunc(newSentinelClient, func(cfg RedisConfig) redis.UniversalClient {
				return db
			})
			defer patches.Reset()

			c, err := NewRedisCache(RedisConfig{
				MasterName:    "mymaster",
				SentinelAddrs: []string{"localhost:26379"},
			})
			So(err, ShouldBeNil)
			So(c, ShouldNotBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("Sentinel 模式 Ping 失败", func() {
			db, mock := redismock.NewClientMock()
			mock.ExpectPing().SetErr(redis.ErrClosed)

			patches := gomonkey.ApplyFunc(newSentinelClient, func(cfg RedisConfig) redis.UniversalClient {
				return db
			})
			defer patches.Reset()

			c, err := NewRedisCache(RedisConfig{
				MasterName:    "mymaster",
				SentinelAddrs: []string{"localhost:26379"},
			})
			So(err, ShouldNotBeNil)
			So(c, ShouldBeNil)
			So(err.Error(), ShouldContainSubstring, "连接 redis 失败")
		})
	})
}

// TestRedisCache_GetSet 测试读写
func TestRedisCache_GetSet(t *testing.T) {
	Convey("TestRedisCache_GetSet", t, func() {
		db, mock := redismock.NewClientMock()
		c := &RedisCache{client: db}
		ctx := context.Background()

		Convey("读取存在的键", func() {
			mock.ExpectGet("diag:conf:1001").SetVal("0.85")

			value, err := c.Get(ctx, "diag:conf:1001")
			So(err, ShouldBeNil)
			So(value, ShouldEqual, "0.85")
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("读取不存在的键", func() {
			mock.ExpectGet("diag:conf:9999").RedisNil()

			value, err := c.Get(ctx, "diag:conf:9999")
			So(err, ShouldNotBeNil)
			So(value, ShouldEqual, "")
			So(err.Error(), ShouldContainSubstring, "key not found")
		})

		Convey("写入带过期时间", func() {
			mock.ExpectSet("diag:conf:1001", "0.85", time.Hour).SetVal("OK")

			So(c.Set(ctx, "diag:conf:1001", "0.85", time.Hour), ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("连接异常时包装错误", func() {
			mock.ExpectGet("diag:conf:1001").SetErr(redis.ErrClosed)

			_, err := c.Get(ctx, "diag:conf:1001")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "redis get")
		})
	})
}

// TestRedisCache_SetNXMutex 测试互斥写，诊断运行锁依赖它
func TestRedisCache_SetNXMutex(t *testing.T) {
	Convey("TestRedisCache_SetNX", t, func() {
		db, mock := redismock.NewClientMock()
		c := &RedisCache{client: db}
		ctx := context.Background()

		Convey("键不存在时设置成功", func() {
			mock.ExpectSetNX("diagnosis:running:1001", "1", 10*time.Minute).SetVal(true)

			ok, err := c.SetNX(ctx, "diagnosis:running:1001", "1", 10*time.Minute)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("键已存在时返回 false", func() {
			mock.ExpectSetNX("diagnosis:running:1001", "1", 10*time.Minute).SetVal(false)

			ok, err := c.SetNX(ctx, "diagnosis:running:1001", "1", 10*time.Minute)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("连接异常时返回错误", func() {
			mock.ExpectSetNX("diagnosis:running:1001", "1", 10*time.Minute).SetErr(redis.ErrClosed)

			ok, err := c.SetNX(ctx, "diagnosis:running:1001", "1", 10*time.Minute)
			So(err, ShouldNotBeNil)
			So(ok, ShouldBeFalse)
		})
	})
}

// TestRedisCache_DelExists 测试删除与存在性检查
func TestRedisCache_DelExists(t *testing.T) {
	Convey("TestRedisCache_DelExists", t, func() {
		db, mock := redismock.NewClientMock()
		c := &RedisCache{client: db}
		ctx := context.Background()

		Convey("删除多个键", func() {
			mock.ExpectDel("diagnosis:running:1001", "diagnosis:running:1002").SetVal(2)

			So(c.Del(ctx, "diagnosis:running:1001", "diagnosis:running:1002"), ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("空键列表直接返回", func() {
			So(c.Del(ctx), ShouldBeNil)
		})

		Convey("检查键存在", func() {
			mock.ExpectExists("diagnosis:running:1001").SetVal(1)

			exists, err := c.Exists(ctx, "diagnosis:running:1001")
			So(err, ShouldBeNil)
			So(exists, ShouldBeTrue)
		})

		Convey("检查键不存在", func() {
			mock.ExpectExists("diagnosis:running:9999").SetVal(0)

			exists, err := c.Exists(ctx, "diagnosis:running:9999")
			So(err, ShouldBeNil)
			So(exists, ShouldBeFalse)
		})
	})
}

func TestRedisCache_Close(t *testing.T) {
	Convey("TestRedisCache_Close", t, func() {
		db, _ := redismock.NewClientMock()
		c := &RedisCache{client: db}

		So(c.Close(), ShouldBeNil)
	})
}
