package server

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator 校验 bot key；配置项以 "$2" 开头时按 bcrypt 哈希比较
type Authenticator struct {
	keys []string
}

func NewAuthenticator(keys []string) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, k)
		}
	}
	return a
}

// Required 未配置任何 key 时不校验
func (a *Authenticator) Required() bool { return len(a.keys) > 0 }

func (a *Authenticator) Check(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range a.keys {
		if strings.HasPrefix(k, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(k), []byte(key)) == nil {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}
