package usecase

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultImagePrompt = "Analyze this image."
	defaultTitle       = "Image Analysis"
	maxTitleRunes      = 50

	codeQuery = "Please generate the corresponding code based on the requirement document and BOM list."
)

func buildGuidePrompt(requirement, bom string) string {
	return strings.Join([]string{
		"【Deployment Guide Generation】",
		"Based on the following requirement document:",
		strings.TrimSpace(requirement),
		"",
		"And the following BOM data:",
		strings.TrimSpace(bom),
		"",
		"Please generate a detailed deployment guide of about 500 words, explaining the deployment steps, " +
			"environmental requirements, and precautions. Optimize the deployment plan and provide detailed tips.",
	}, "\n")
}

// conversationTitle is the first runes of text, or a fixed title for
// image-only requests.
func conversationTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	return string([]rune(text)[:maxTitleRunes])
}
