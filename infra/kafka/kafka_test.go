package kafka

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBuildSASLMechanism(t *testing.T) {
	Convey("TestBuildSASLMechanism", t, func() {
		Convey("未配置或未启用时返回 nil", func() {
			mechanism, err := buildSASLMechanism(nil)
			So(err, ShouldBeNil)
			So(mechanism, ShouldBeNil)

			mechanism, err = buildSASLMechanism(&SASLConfig{
				Enabled:   false,
				Mechanism: "PLAIN",
				Username:  "diag",
				Password:  "secret",
			})
			So(err, ShouldBeNil)
			So(mechanism, ShouldBeNil)
		})

		Convey("机制名大小写不敏感，空值默认 PLAIN", func() {
			for _, name := range []string{"PLAIN", "plain", ""} {
				mechanism, err := buildSASLMechanism(&SASLConfig{
					Enabled:   true,
					Mechanism: name,
					Username:  "diag",
					Password:  "secret",
				})
				So(err, ShouldBeNil)
				So(mechanism, ShouldNotBeNil)
			}
		})

		Convey("支持 SCRAM 两种摘要", func() {
			for _, name := range []string{"SCRAM-SHA-256", "SCRAM-SHA-512"} {
				mechanism, err := buildSASLMechanism(&SASLConfig{
					Enabled:   true,
					Mechanism: name,
					Username:  "diag",
					Password:  "secret",
				})
				So(err, ShouldBeNil)
				So(mechanism, ShouldNotBeNil)
			}
		})

		Convey("不认识的机制名报错", func() {
			mechanism, err := buildSASLMechanism(&SASLConfig{
				Enabled:   true,
				Mechanism: "GSSAPI",
				Username:  "diag",
				Password:  "secret",
			})

			So(err, ShouldNotBeNil)
			So(mechanism, ShouldBeNil)
			So(err.Error(), ShouldContainSubstring, "不支持的 SASL 机制")
			So(err.Error(), ShouldContainSubstring, "GSSAPI")
		})
	})
}
