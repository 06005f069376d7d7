package protocol

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxNameRunes 角色名最大长度
const MaxNameRunes = 20

var (
	tagPattern      = regexp.MustCompile(`<[^>]*>`)
	nameCharPattern = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
)

// SanitizeName 去掉标签与非法字符，截断到 MaxNameRunes
func SanitizeName(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = nameCharPattern.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > MaxNameRunes {
		s = strings.TrimSpace(string(r[:MaxNameRunes]))
	}
	return s
}

// SanitizeText 清洗聊天文本：去控制字符、空白统一为空格、首尾去空白
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\r':
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
		case !unicode.IsPrint(r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
