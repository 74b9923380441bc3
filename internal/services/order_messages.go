package services

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	domain "github.com/carawoo/mereal/internal/domain"
)

const (
	msgOrderReceived      = "order received"
	msgInProduction       = "in production"
	msgCompleted          = "production and delivery complete"
	msgCancelled          = "order cancelled"
	msgPaymentCompleted   = "payment completed, awaiting production"
	msgAdminNotesUpdated  = "admin notes updated"
	msgOrderName          = "%s - %s x%d"
	msgCancelledWithCause = "order cancelled: %s"
)

var orderMessageTranslations = map[language.Tag]map[string]string{
	language.Korean: {
		msgOrderReceived:      "주문 접수 대기",
		msgInProduction:       "제작 진행 중",
		msgCompleted:          "제작 완료 및 배송 완료",
		msgCancelled:          "주문 취소",
		msgPaymentCompleted:   "결제 완료 - 제작 대기 중",
		msgAdminNotesUpdated:  "관리자 메모 수정",
		msgOrderName:          "%s - %s %d개",
		msgCancelledWithCause: "주문 취소: %s",
	},
}

var supportedCommentLocales = []language.Tag{language.English, language.Korean}

// orderMessages renders user-visible history comments in the actor's locale.
type orderMessages struct {
	catalog catalog.Catalog
	matcher language.Matcher
}

func newOrderMessages() *orderMessages {
	builder := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, entries := range orderMessageTranslations {
		for key, translated := range entries {
			// Keys and translations are static, SetString only fails on malformed tags.
			_ = builder.SetString(tag, key, translated)
		}
	}
	return &orderMessages{
		catalog: builder,
		matcher: language.NewMatcher(supportedCommentLocales),
	}
}

func (m *orderMessages) printer(locale string) *message.Printer {
	tag := language.English
	if trimmed := strings.TrimSpace(locale); trimmed != "" {
		if tags, _, err := language.ParseAcceptLanguage(trimmed); err == nil && len(tags) > 0 {
			_, index, confidence := m.matcher.Match(tags...)
			if confidence != language.No {
				tag = supportedCommentLocales[index]
			}
		}
	}
	return message.NewPrinter(tag, message.Catalog(m.catalog))
}

// statusComment returns the default history comment for status.
func (m *orderMessages) statusComment(locale string, status domain.OrderStatus) string {
	key := msgOrderReceived
	switch status {
	case domain.OrderStatusProcessing:
		key = msgInProduction
	case domain.OrderStatusCompleted:
		key = msgCompleted
	case domain.OrderStatusCancelled:
		key = msgCancelled
	}
	return m.printer(locale).Sprintf(key)
}

func (m *orderMessages) text(locale, key string, args ...any) string {
	return m.printer(locale).Sprintf(key, args...)
}
