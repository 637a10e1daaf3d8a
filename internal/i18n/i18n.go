// Package i18n picks a message printer for CLI output from the locale
// environment.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage maps a locale or Accept-Language style string to the best
// supported language.
func MatchLanguage(s string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(s)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// LocaleFromEnv returns the language tag named by LC_ALL, LC_MESSAGES or LANG.
func LocaleFromEnv() language.Tag {
	var lang string
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if lang = os.Getenv(key); lang != "" {
			break
		}
	}
	// "en_US.UTF-8" -> "en_US"
	if i := strings.IndexAny(lang, ".@"); i != -1 {
		lang = lang[:i]
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return MatchLanguage(lang)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}

// NewCLIPrinter returns a printer for the system's locale.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(LocaleFromEnv())
}
