// Package i18n negotiates the response language from Accept-Language and renders purchaser
// facing messages from a compiled catalog.
package i18n

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/storefront/api/internal/platform/requestctx"
)

// Message keys shared with the HTTP layer.
const (
	KeyInvalidInput       = "invalid_input"
	KeyOrderNotFound      = "order_not_found"
	KeyForbidden          = "forbidden"
	KeyInvalidTransition  = "invalid_transition"
	KeyConflict           = "conflict"
	KeyPaymentConflict    = "payment_conflict"
	KeyAlreadyInState     = "already_in_state"
	KeyNumberCollision    = "order_number_collision"
	KeyUnavailable        = "unavailable"
	KeyTooManyAttempts    = "too_many_attempts"
	KeyGuestVerifyFailed  = "guest_verification_failed"
	KeyGuestTokenRequired = "guest_token_required"
	KeyInternalError      = "internal_error"
)

var supported = []language.Tag{
	language.English,
	language.Persian,
	language.Japanese,
}

var messages = map[language.Tag]map[string]string{
	language.English: {
		KeyInvalidInput:       "The request could not be processed. Please check the submitted details.",
		KeyOrderNotFound:      "We could not find that order.",
		KeyForbidden:          "You do not have access to this order.",
		KeyInvalidTransition:  "This order can no longer be changed this way.",
		KeyConflict:           "The order was updated by someone else. Please try again.",
		KeyPaymentConflict:    "This order has already been paid with a different receipt.",
		KeyAlreadyInState:     "The order is already in that state.",
		KeyNumberCollision:    "We could not allocate an order number. Please try again.",
		KeyUnavailable:        "The service is temporarily unavailable. Please try again shortly.",
		KeyTooManyAttempts:    "Too many attempts. Please wait before trying again.",
		KeyGuestVerifyFailed:  "The email address does not match this order.",
		KeyGuestTokenRequired: "A valid order access link is required.",
		KeyInternalError:      "Something went wrong. Please try again later.",
	},
	language.Persian: {
		KeyInvalidInput:       "درخواست قابل پردازش نیست. لطفا اطلاعات ارسال شده را بررسی کنید.",
		KeyOrderNotFound:      "سفارش مورد نظر پیدا نشد.",
		KeyForbidden:          "شما به این سفارش دسترسی ندارید.",
		KeyInvalidTransition:  "امکان تغییر این سفارش به این صورت وجود ندارد.",
		KeyConflict:           "سفارش توسط شخص دیگری به روز شده است. لطفا دوباره تلاش کنید.",
		KeyPaymentConflict:    "این سفارش قبلا با رسید دیگری پرداخت شده است.",
		KeyAlreadyInState:     "سفارش در حال حاضر در همین وضعیت است.",
		KeyNumberCollision:    "تخصیص شماره سفارش ممکن نشد. لطفا دوباره تلاش کنید.",
		KeyUnavailable:        "سرویس موقتا در دسترس نیست. لطفا کمی بعد تلاش کنید.",
		KeyTooManyAttempts:    "تعداد تلاش‌ها بیش از حد مجاز است. لطفا کمی صبر کنید.",
		KeyGuestVerifyFailed:  "ایمیل وارد شده با این سفارش مطابقت ندارد.",
		KeyGuestTokenRequired: "برای مشاهده سفارش به لینک معتبر نیاز است.",
		KeyInternalError:      "خطایی رخ داد. لطفا بعدا تلاش کنید.",
	},
	language.Japanese: {
		KeyInvalidInput:       "リクエストを処理できませんでした。入力内容をご確認ください。",
		KeyOrderNotFound:      "ご注文が見つかりませんでした。",
		KeyForbidden:          "このご注文にアクセスする権限がありません。",
		KeyInvalidTransition:  "このご注文はこの方法で変更できません。",
		KeyConflict:           "ご注文が他の操作で更新されました。もう一度お試しください。",
		KeyPaymentConflict:    "このご注文は別の領収番号で支払い済みです。",
		KeyAlreadyInState:     "ご注文はすでにその状態です。",
		KeyNumberCollision:    "注文番号を発行できませんでした。もう一度お試しください。",
		KeyUnavailable:        "ただいまサービスをご利用いただけません。しばらくしてからお試しください。",
		KeyTooManyAttempts:    "試行回数が上限に達しました。しばらくしてからお試しください。",
		KeyGuestVerifyFailed:  "メールアドレスがご注文の情報と一致しません。",
		KeyGuestTokenRequired: "有効なご注文アクセスリンクが必要です。",
		KeyInternalError:      "エラーが発生しました。時間をおいて再度お試しください。",
	},
}

// Localizer renders catalog messages for negotiated languages.
type Localizer struct {
	matcher language.Matcher
	catalog *catalog.Builder
}

// NewLocalizer compiles the built-in message catalog.
func NewLocalizer() (*Localizer, error) {
	builder := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, entries := range messages {
		for key, msg := range entries {
			if err := builder.SetString(tag, key, msg); err != nil {
				return nil, err
			}
		}
	}
	return &Localizer{
		matcher: language.NewMatcher(supported),
		catalog: builder,
	}, nil
}

// Negotiate picks the best supported language for an Accept-Language header value.
func (l *Localizer) Negotiate(acceptLanguage string) language.Tag {
	acceptLanguage = strings.TrimSpace(acceptLanguage)
	if acceptLanguage == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, confidence := l.matcher.Match(tags...)
	if confidence == language.No {
		return language.English
	}
	return supported[idx]
}

// Message renders key in the given language. Unknown keys are returned unchanged.
func (l *Localizer) Message(tag language.Tag, key string) string {
	return message.NewPrinter(tag, message.Catalog(l.catalog)).Sprintf(key)
}

// MessageFor renders key in the language negotiated for the request context.
func (l *Localizer) MessageFor(ctx context.Context, key string) string {
	tag := language.English
	if raw := requestctx.Locale(ctx); raw != "" {
		if parsed, err := language.Parse(raw); err == nil {
			tag = parsed
		}
	}
	return l.Message(tag, key)
}

// Middleware negotiates the response language and stores it on the request context.
func (l *Localizer) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := l.Negotiate(r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", tag.String())
			ctx := requestctx.WithLocale(r.Context(), tag.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
