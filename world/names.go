package world

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldName 角色名唯一性比较键：NFC 规范化后做大小写折叠
// Caser 带内部状态，每次调用新建一个
func FoldName(name string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(name)))
}
