package flow

import (
	"fmt"

	"github.com/BTreeMap/OnboardPipe/internal/locale"
)

// Instruction templates sent to the model. None of these are ever stored in
// the transcript or replayed as history.

// personaDirective is the system instruction fixed when a language is selected.
func personaDirective(lang locale.Language) string {
	return fmt.Sprintf("You are a helpful and friendly onboarding assistant. You must converse ONLY in %s. "+
		"Your responses should be concise and guide the user through the steps as instructed by the user prompts.", lang.Name)
}

func greetingInstruction(lang locale.Language) string {
	return fmt.Sprintf("You are a helpful and friendly onboarding assistant for %q. "+
		"In a single, warm paragraph, greet the user in %s and then ask for their name to begin.",
		lang.NativeAppName, lang.Name)
}

// greetingReplyInstruction is used when the user writes before a greeting was
// delivered, e.g. after the initial greeting failed.
func greetingReplyInstruction(lang locale.Language, userText string) string {
	return fmt.Sprintf("You are a helpful and friendly onboarding assistant for %q. The user wrote: %q. "+
		"Briefly respond in %s, greet them warmly and ask for their name to begin.",
		lang.NativeAppName, userText, lang.Name)
}

func nameInstruction(lang locale.Language, name string) string {
	return fmt.Sprintf("The user's name is %q. Acknowledge their name in %s, and then concisely ask them to select "+
		"their ID type using the buttons that will be displayed. It's crucial that you DO NOT mention "+
		"\"Aadhaar, PAN, or Passport\" in your text response.", name, lang.Name)
}

func idTypeInstruction(label string) string {
	return fmt.Sprintf("The user has selected their ID type. In a very short message, acknowledge their choice of %q "+
		"and ask them to upload the document.", label)
}

func confirmInstruction(lang locale.Language) string {
	return fmt.Sprintf("The user confirmed the extracted details were correct. Respond with a final, friendly "+
		"confirmation message in %s saying their verification is complete.", lang.Name)
}

func retryInstruction(lang locale.Language) string {
	return fmt.Sprintf("The user said the extracted details were incorrect and wants to retry. "+
		"In %s, ask them to upload their ID document again.", lang.Name)
}

func documentAnalysisInstruction(lang locale.Language) string {
	return fmt.Sprintf(`The user has uploaded a document for ID verification. You have two primary tasks:

1. Validate Document Type: First, you MUST determine if the attached image is one of the following three Indian government-issued documents: Aadhaar Card, PAN Card, or Passport. It cannot be any other type of ID (like a driver's license) or a random image.
2. Extract or Reject:
   - If the document IS valid: Extract the user's full name, their ID number, and their date of birth. Also, compose a short conversational message in %[1]s asking the user to confirm these details. Do not include rejectionMessage.
   - If the document IS NOT valid: Do NOT attempt to extract any information. Instead, compose a polite rejection message in %[1]s explaining that the uploaded document is not one of the accepted types and asking them to upload either an Aadhaar, PAN, or Passport.

You must return your response as a single JSON object that adheres to the provided schema.`, lang.Name)
}
