package config

// Language describes a transcription language offered to clients.
type Language struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	NativeName string `json:"native_name"`
	RTL        bool   `json:"rtl"`
}

// DefaultLanguage is used when a requested language is not supported.
const DefaultLanguage = "en"

var languages = map[string]Language{
	"en": {Code: "en", Name: "English", NativeName: "English"},
	"fr": {Code: "fr", Name: "French", NativeName: "Français"},
}

// SupportedLanguages returns the transcription languages in a stable order.
func SupportedLanguages() []Language {
	return []Language{languages["en"], languages["fr"]}
}

// IsLanguageSupported reports whether code names a supported language.
func IsLanguageSupported(code string) bool {
	_, ok := languages[code]
	return ok
}

// ResolveLanguage returns code when supported, DefaultLanguage otherwise.
func ResolveLanguage(code string) string {
	if IsLanguageSupported(code) {
		return code
	}
	return DefaultLanguage
}
