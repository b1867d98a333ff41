package ui

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// LangCookie stores the viewer's locale preference.
const LangCookie = "waypost_lang"

// supportedLocales lists the locales numbers and dates render in. The
// first entry is the fallback.
var supportedLocales = []language.Tag{
	language.AmericanEnglish,
	language.BrazilianPortuguese,
}

var localeMatcher = language.NewMatcher(supportedLocales)

// matchLocale maps arbitrary tags onto a supported locale.
func matchLocale(tags ...language.Tag) language.Tag {
	if len(tags) == 0 {
		return supportedLocales[0]
	}
	_, index, _ := localeMatcher.Match(tags...)
	return supportedLocales[index]
}

// resolveLocale picks the viewer's locale from the lang query parameter,
// then the locale cookie, then the Accept-Language header. The bool
// reports whether the choice came from the query and should be persisted
// as a cookie.
func resolveLocale(r *http.Request) (language.Tag, bool) {
	if value := strings.TrimSpace(r.URL.Query().Get("lang")); value != "" {
		if tag, err := language.Parse(value); err == nil {
			return matchLocale(tag), true
		}
	}
	if cookie, err := r.Cookie(LangCookie); err == nil {
		if tag, err := language.Parse(cookie.Value); err == nil {
			return matchLocale(tag), false
		}
	}
	if accept := strings.TrimSpace(r.Header.Get("Accept-Language")); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil {
			return matchLocale(tags...), false
		}
	}
	return supportedLocales[0], false
}

// formatter renders numbers and timestamps for one request's locale.
// Templates call its methods, so every method must be total: zero values
// render as placeholders instead of erroring.
type formatter struct {
	printer *message.Printer
	now     time.Time
}

func newFormatter(tag language.Tag, now time.Time) *formatter {
	return &formatter{printer: message.NewPrinter(tag), now: now.UTC()}
}

// Value renders a metric value with enough precision to tell close runs
// apart without drowning the table in digits.
func (f *formatter) Value(v float64) string {
	return f.printer.Sprintf("%.6g", v)
}

// Count renders an integer with locale digit grouping.
func (f *formatter) Count(n int64) string {
	return f.printer.Sprintf("%d", n)
}

// Time renders an absolute UTC timestamp.
func (f *formatter) Time(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

// TimePtr renders an optional timestamp.
func (f *formatter) TimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return f.Time(*t)
}

// Ago renders how long before now t happened.
func (f *formatter) Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := f.now.Sub(t.UTC())
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return f.printer.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return f.printer.Sprintf("%dh ago", int(d.Hours()))
	default:
		return f.printer.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

// AgoPtr renders an optional relative timestamp.
func (f *formatter) AgoPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return f.Ago(*t)
}

// Bytes renders a byte count in binary units.
func (f *formatter) Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return f.printer.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for rest := n / unit; rest >= unit; rest /= unit {
		div *= unit
		exp++
	}
	return f.printer.Sprintf("%.1f %ciB", float64(n)/float64(div), rune("KMGTPE"[exp]))
}
