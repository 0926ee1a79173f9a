// Package locale provides the supported conversation languages and the
// localized strings shown to users by the engine and its presentation adapters.
package locale

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownLanguage is returned for a language code missing from the catalog.
var ErrUnknownLanguage = errors.New("unknown language")

// Language describes one supported conversation language.
type Language struct {
	Code          string `yaml:"code" json:"code"`
	Name          string `yaml:"name" json:"name"`
	NativeName    string `yaml:"nativeName" json:"native_name"`
	NativeAppName string `yaml:"nativeAppName" json:"native_app_name"`
}

// Strings is the localized string table for one language.
type Strings struct {
	Title                    string `yaml:"title" json:"title"`
	ChangeLanguageButton     string `yaml:"changeLanguageButton" json:"change_language_button"`
	ConversationSubtitle     string `yaml:"conversationSubtitle" json:"conversation_subtitle"`
	Aadhaar                  string `yaml:"aadhaar" json:"aadhaar"`
	PAN                      string `yaml:"pan" json:"pan"`
	Passport                 string `yaml:"passport" json:"passport"`
	ConfirmDetailsTitle      string `yaml:"confirmDetailsTitle" json:"confirm_details_title"`
	ConfirmDetailsSubtitle   string `yaml:"confirmDetailsSubtitle" json:"confirm_details_subtitle"`
	DataFieldName            string `yaml:"dataFieldName" json:"data_field_name"`
	DataFieldIDNumber        string `yaml:"dataFieldIdNumber" json:"data_field_id_number"`
	DataFieldDOB             string `yaml:"dataFieldDob" json:"data_field_dob"`
	RetryUploadButton        string `yaml:"retryUploadButton" json:"retry_upload_button"`
	ConfirmAndContinueButton string `yaml:"confirmAndContinueButton" json:"confirm_and_continue_button"`
	PlaceholderListening     string `yaml:"placeholderListening" json:"placeholder_listening"`
	PlaceholderInstructions  string `yaml:"placeholderInstructions" json:"placeholder_instructions"`
	PlaceholderEnterName     string `yaml:"placeholderEnterName" json:"placeholder_enter_name"`
	PlaceholderDefault       string `yaml:"placeholderDefault" json:"placeholder_default"`

	ConfirmDetailsFallback  string `yaml:"confirmDetailsFallback" json:"confirm_details_fallback"`
	InvalidDocumentFallback string `yaml:"invalidDocumentFallback" json:"invalid_document_fallback"`
	UnsupportedFile         string `yaml:"unsupportedFile" json:"unsupported_file"`
	GenericError            string `yaml:"genericError" json:"generic_error"`
	GreetingError           string `yaml:"greetingError" json:"greeting_error"`

	LanguageMenuPrompt string `yaml:"languageMenuPrompt" json:"language_menu_prompt"`
	IDTypeMenuPrompt   string `yaml:"idTypeMenuPrompt" json:"id_type_menu_prompt"`
	ConfirmReplyPrompt string `yaml:"confirmReplyPrompt" json:"confirm_reply_prompt"`
	UploadHint         string `yaml:"uploadHint" json:"upload_hint"`
	BusyNotice         string `yaml:"busyNotice" json:"busy_notice"`
}

// IDLabel returns the localized label for a document kind.
func (s Strings) IDLabel(kind models.IDKind) string {
	switch kind {
	case models.IDKindAadhaar:
		return s.Aadhaar
	case models.IDKindPAN:
		return s.PAN
	case models.IDKindPassport:
		return s.Passport
	}
	return string(kind)
}

// Catalog holds the supported languages and their resolved string tables.
type Catalog struct {
	fallback  string
	languages []Language
	byCode    map[string]Language
	strings   map[string]Strings
}

type catalogFile struct {
	Fallback  string               `yaml:"fallback"`
	Languages []Language           `yaml:"languages"`
	Strings   map[string]yaml.Node `yaml:"strings"`
}

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("locale: embedded catalog is invalid: %v", err))
	}
	return c
}

// Parse builds a catalog from YAML. Every language's strings are layered over
// the fallback language so missing keys resolve to the fallback text.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("locale.Parse: %w", err)
	}
	if len(file.Languages) == 0 {
		return nil, fmt.Errorf("locale.Parse: catalog lists no languages")
	}

	var base Strings
	if file.Fallback != "" {
		node, ok := file.Strings[file.Fallback]
		if !ok {
			return nil, fmt.Errorf("locale.Parse: fallback language %q has no strings", file.Fallback)
		}
		if err := node.Decode(&base); err != nil {
			return nil, fmt.Errorf("locale.Parse: decode %s strings: %w", file.Fallback, err)
		}
	}

	c := &Catalog{
		fallback:  file.Fallback,
		languages: file.Languages,
		byCode:    make(map[string]Language, len(file.Languages)),
		strings:   make(map[string]Strings, len(file.Languages)),
	}
	for _, lang := range file.Languages {
		if lang.Code == "" {
			return nil, fmt.Errorf("locale.Parse: language %q has no code", lang.Name)
		}
		s := base
		if node, ok := file.Strings[lang.Code]; ok {
			if err := node.Decode(&s); err != nil {
				return nil, fmt.Errorf("locale.Parse: decode %s strings: %w", lang.Code, err)
			}
		} else {
			slog.Debug("locale.Parse: no strings for language, using fallback", "code", lang.Code)
		}
		c.byCode[lang.Code] = lang
		c.strings[lang.Code] = s
	}
	return c, nil
}

// Languages returns the supported languages in catalog order.
func (c *Catalog) Languages() []Language {
	out := make([]Language, len(c.languages))
	copy(out, c.languages)
	return out
}

// Language looks up a language by its code.
func (c *Catalog) Language(code string) (Language, error) {
	lang, ok := c.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	return lang, nil
}

// Strings returns the string table for a language code.
func (c *Catalog) Strings(code string) (Strings, error) {
	s, ok := c.strings[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Strings{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	return s, nil
}

// Fallback returns the string table used before a language is chosen.
func (c *Catalog) Fallback() Strings {
	if s, ok := c.strings[c.fallback]; ok {
		return s
	}
	if len(c.languages) > 0 {
		return c.strings[c.languages[0].Code]
	}
	return Strings{}
}
