package engine

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Special token ids of the Qwen3 vocabulary used by the chat template.
const (
	TokenEndOfText = 151643 // <|endoftext|>
	TokenIMStart   = 151644 // <|im_start|>
	TokenIMEnd     = 151645 // <|im_end|>
	TokenAudioBOS  = 151669 // <|audio_start|>
	TokenAudioEOS  = 151670 // <|audio_end|>
	TokenASRText   = 151704 // <asr_text>
)

// The decoder input is PrefixHead, the system prompt tokens, PrefixTail,
// one row per encoder output, SuffixBase and then any forced or past
// tokens:
//
//	<|im_start|>system\n{prompt}<|im_end|>\n<|im_start|>user\n<|audio_start|>
//	{audio}<|audio_end|><|im_end|>\n<|im_start|>assistant\n
var (
	PrefixHead = []int{TokenIMStart, 8948, 198}
	PrefixTail = []int{TokenIMEnd, 198, TokenIMStart, 872, 198, TokenAudioBOS}
	SuffixBase = []int{TokenAudioEOS, TokenIMEnd, 198, TokenIMStart, 77091, 198}
)

// IsEOS reports whether id ends generation.
func IsEOS(id int) bool {
	return id == TokenEndOfText || id == TokenIMEnd
}

// Languages lists the output languages the model can be forced to.
var Languages = []string{
	"Chinese", "English", "Cantonese", "Arabic", "German", "French",
	"Spanish", "Portuguese", "Indonesian", "Italian", "Korean", "Russian",
	"Thai", "Vietnamese", "Japanese", "Turkish", "Hindi", "Malay",
	"Dutch", "Swedish", "Danish", "Finnish", "Polish", "Czech",
	"Filipino", "Persian", "Greek", "Romanian", "Hungarian", "Macedonian",
}

// ErrUnsupportedLanguage is returned for a language outside Languages.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// SupportedLanguages is Languages as a comma separated list.
func SupportedLanguages() string { return strings.Join(Languages, ", ") }

// NormalizeLanguage maps a user supplied language name onto its canonical
// spelling ("english" -> "English"). Empty input is returned unchanged.
func NormalizeLanguage(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	r := []rune(strings.ToLower(name))
	r[0] = unicode.ToUpper(r[0])
	canon := string(r)
	for _, l := range Languages {
		if l == canon {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedLanguage, name)
}
