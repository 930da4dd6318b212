package platform

import (
	"bytes"
	"net/http"
)

// BlockType describes how the platform refused to serve a request.
type BlockType string

const (
	BlockNone      BlockType = ""
	BlockThrottled BlockType = "throttled"
	BlockBotCheck  BlockType = "bot_check"
	BlockConsent   BlockType = "consent"
	BlockCaptcha   BlockType = "captcha"
)

var (
	botCheckMarkers = [][]byte{
		[]byte("confirm you're not a bot"),
		[]byte("confirm you’re not a bot"),
		[]byte("our systems have detected unusual traffic"),
		[]byte("sign in to confirm"),
	}
	consentMarkers = [][]byte{
		[]byte("consent.youtube.com"),
		[]byte("before you continue to youtube"),
	}
	captchaMarkers = [][]byte{
		[]byte("g-recaptcha"),
		[]byte("captcha-form"),
		[]byte("/sorry/index"),
	}
)

// DetectBlock inspects a response for signs that the request was refused by
// bot detection rather than answered. Such responses look like "no captions"
// to a naive parser, so adapters check this first.
func DetectBlock(status int, body []byte) BlockType {
	if status == http.StatusTooManyRequests {
		return BlockThrottled
	}

	lower := bytes.ToLower(body)
	for _, m := range botCheckMarkers {
		if bytes.Contains(lower, m) {
			return BlockBotCheck
		}
	}
	for _, m := range captchaMarkers {
		if bytes.Contains(lower, m) {
			return BlockCaptcha
		}
	}
	// The consent wall only matters when the page is small; full watch pages
	// link to the consent host in their footer.
	if len(body) < 64*1024 {
		for _, m := range consentMarkers {
			if bytes.Contains(lower, m) {
				return BlockConsent
			}
		}
	}
	return BlockNone
}
