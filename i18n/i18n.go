// Package i18n translates quoteharvest's own console messages.
//
// It wraps gotext with T() and N() helpers. Catalogs are embedded in the
// binary via //go:embed and selected at startup by Init().
//
// Usage:
//
//	i18n.Init("")  // auto-detect from LANGUAGE/LC_ALL/LC_MESSAGES/LANG
//	fmt.Println(i18n.T("Harvest finished"))
package i18n

import (
	"embed"
	"os"
	"strings"

	"github.com/leonelquinteros/gotext"
)

// Directory structure: locales/{lang}/LC_MESSAGES/quoteharvest.po
//
//go:embed all:locales
var locales embed.FS

const domain = "quoteharvest"

var po *gotext.Locale

// Init loads the catalog for lang. If lang is empty, it is detected from
// LANGUAGE, LC_ALL, LC_MESSAGES and LANG, in GNU gettext order.
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}

	po = gotext.NewLocaleFSWithPath(lang, locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
}

// T translates a string, returning msgid unchanged when no translation exists.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	return po.Get(msgid)
}

// N translates a string with plural forms.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if val := os.Getenv(env); val != "" {
			// LANGUAGE may be a colon-separated list
			if env == "LANGUAGE" {
				val = strings.SplitN(val, ":", 2)[0]
			}
			// ru_RU.UTF-8 -> ru_RU
			if idx := strings.IndexByte(val, '.'); idx >= 0 {
				val = val[:idx]
			}
			if val == "C" || val == "POSIX" || val == "" {
				continue
			}
			return val
		}
	}
	return "en"
}
