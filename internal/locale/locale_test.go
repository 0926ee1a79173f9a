package locale

import (
	"errors"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestDefaultCatalogLanguages(t *testing.T) {
	c := Default()
	langs := c.Languages()
	if len(langs) != 12 {
		t.Fatalf("expected 12 languages, got %d", len(langs))
	}
	if langs[0].Code != "en" || langs[0].NativeAppName != "Kaabharat" {
		t.Errorf("unexpected first language %+v", langs[0])
	}

	hi, err := c.Language("HI")
	if err != nil {
		t.Fatalf("expected hi to resolve, got %v", err)
	}
	if hi.Name != "Hindi" {
		t.Errorf("expected Hindi, got %q", hi.Name)
	}
}

func TestStringsFallBackToEnglish(t *testing.T) {
	c := Default()
	ta, err := c.Strings("ta")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ta.Passport != "கடவுச்சீட்டு" {
		t.Errorf("expected Tamil passport label, got %q", ta.Passport)
	}
	if ta.GenericError != "Sorry, I encountered an error. Please try again." {
		t.Errorf("expected English fallback for generic error, got %q", ta.GenericError)
	}
	if got := ta.IDLabel(models.IDKindAadhaar); got != "ஆதார்" {
		t.Errorf("IDLabel(aadhaar) = %q", got)
	}
}

func TestUnknownLanguage(t *testing.T) {
	c := Default()
	if _, err := c.Language("xx"); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("expected ErrUnknownLanguage, got %v", err)
	}
	if _, err := c.Strings("xx"); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("expected ErrUnknownLanguage, got %v", err)
	}
}

func TestParseRejectsMissingFallback(t *testing.T) {
	data := []byte("fallback: fr\nlanguages:\n  - code: en\n    name: English\nstrings:\n  en:\n    title: Hi\n")
	if _, err := Parse(data); err == nil {
		t.Error("expected error when fallback language has no strings")
	}
}

func TestLanguagesReturnsCopy(t *testing.T) {
	c := Default()
	langs := c.Languages()
	langs[0].Code = "zz"
	if c.Languages()[0].Code != "en" {
		t.Error("Languages must not expose internal slice")
	}
}

func TestFallbackStrings(t *testing.T) {
	c := Default()
	if got := c.Fallback().GenericError; got != "Sorry, I encountered an error. Please try again." {
		t.Errorf("Fallback().GenericError = %q", got)
	}
}
