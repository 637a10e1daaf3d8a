package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English},
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestLocaleFromEnv(t *testing.T) {
	tests := []struct {
		lcAll, lang string
		expected    language.Tag
	}{
		{"", "de_DE.UTF-8", language.German},
		{"C", "de_DE.UTF-8", language.English},
		{"", "", language.English},
		{"", "fr_FR.UTF-8", language.English},
	}
	for _, tt := range tests {
		t.Setenv("LC_ALL", tt.lcAll)
		t.Setenv("LC_MESSAGES", "")
		t.Setenv("LANG", tt.lang)

		base, _ := LocaleFromEnv().Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "LC_ALL=%q LANG=%q", tt.lcAll, tt.lang)
	}
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "en_US.UTF-8")
	p := NewCLIPrinter()
	assert.Equal(t, "1,024 rules", p.Sprintf("%d rules", 1024))
}
