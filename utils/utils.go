package utils

import "encoding/json"

// JsonEncode 将对象序列化为 JSON 字符串，失败时返回空串。
// 诊断文档入库和 Kafka 触发消息体都经由它编码。
func JsonEncode(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
