// Package utils provides utility functions for the application.
package utils

import "strings"

func ToPtr[T any](v T) *T {
	return &v
}

func IsTrue(b *bool) bool {
	return b != nil && *b
}

// PhoneFromJID extracts the bare phone number from a gateway sender
// identifier such as "5511999999999@s.whatsapp.net" or
// "5511999999999:12@c.us". Device suffixes after ':' are dropped too.
func PhoneFromJID(jid string) string {
	phone := jid
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	return strings.TrimSpace(phone)
}

// NormalizePhone strips formatting characters so the same number always
// maps to the same contact row.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
