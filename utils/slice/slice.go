package slice

import (
	"strings"

	"github.com/spf13/cast"
)

// AppendUniqueString 追加元素并保持切片去重，已存在时原样返回。
// 知识库命中和扩大采集的对象清单靠它去重。
func AppendUniqueString(list []string, v string) []string {
	if ContainsString(list, v) {
		return list
	}
	return append(list, v)
}

// ContainsString 检查 string 切片是否包含指定元素。
func ContainsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SplitToUint64s 将逗号分隔的记录号字符串解析为 uint64 切片，
// 解析不出的片段直接跳过。
func SplitToUint64s(value string) []uint64 {
	var result []uint64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		if id := cast.ToUint64(part); id != 0 {
			result = append(result, id)
		}
	}
	return result
}
