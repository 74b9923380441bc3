package handlers

import (
	"net/http"

	"golang.org/x/text/language"

	"github.com/carawoo/mereal/internal/platform/requestctx"
)

var supportedLocales = []language.Tag{language.English, language.Korean}

var localeMatcher = language.NewMatcher(supportedLocales)

// LocaleMiddleware negotiates the response locale from Accept-Language and stores its base
// language ("en" or "ko") on the request context. Requests without the header keep an empty locale.
func LocaleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Accept-Language")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		tags, _, err := language.ParseAcceptLanguage(header)
		if err != nil || len(tags) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		_, index, confidence := localeMatcher.Match(tags...)
		if confidence == language.No {
			next.ServeHTTP(w, r)
			return
		}
		base, _ := supportedLocales[index].Base()
		w.Header().Set("Content-Language", base.String())
		next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), base.String())))
	})
}
