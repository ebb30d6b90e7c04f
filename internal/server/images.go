package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const defaultMaxInlineImageBytes = 1 << 20

var errInvalidImage = errors.New("image must be an http(s) url or a base64 image data url")

// validateImageURL accepts an empty value, an http(s) URL, or a base64 image data URL whose decoded
// payload fits within maxInlineBytes.
func validateImageURL(raw string, maxInlineBytes int) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "data:") {
		header, payload, found := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
		if !found || !strings.HasPrefix(header, "image/") || !strings.HasSuffix(header, ";base64") {
			return errInvalidImage
		}
		if base64.StdEncoding.DecodedLen(len(payload)) > maxInlineBytes+2 {
			return fmt.Errorf("%w: inline image exceeds %d bytes", errInvalidImage, maxInlineBytes)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidImage, err)
		}
		if len(decoded) > maxInlineBytes {
			return fmt.Errorf("%w: inline image exceeds %d bytes", errInvalidImage, maxInlineBytes)
		}
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errInvalidImage
	}
	return nil
}
