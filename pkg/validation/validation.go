package validation

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// HostnameRegex validates a DNS hostname, optionally with port stripped beforehand
	HostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

	// LanguageRegex validates subtitle language tags such as "en" or "pt-BR"
	LanguageRegex = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{2,8})*$`)

	// ElementIDRegex validates player element identifiers
	ElementIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateURL validates a media or API URL
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBlobURL validates a blob: object URL
func ValidateBlobURL(urlStr string) error {
	if !strings.HasPrefix(urlStr, "blob:") || len(urlStr) == len("blob:") {
		return fmt.Errorf("invalid blob URL (must start with blob:)")
	}
	return ValidateStringLength(urlStr, 6, 2048, "blob URL")
}

// ValidateEndpoint validates a CDN endpoint given as host or host:port
func ValidateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint must be a host, not a URL")
	}

	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 || !HostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid endpoint host %q", endpoint)
	}
	return nil
}

// ValidateQuality validates a quality level expressed as vertical resolution
func ValidateQuality(height int) error {
	if height < 144 {
		return fmt.Errorf("quality must be at least 144")
	}
	if height > 4320 {
		return fmt.Errorf("quality is too high (max 4320)")
	}
	return nil
}

// ValidateNonNegative validates a finite value >= 0
func ValidateNonNegative(value float64, fieldName string) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s must be a finite number", fieldName)
	}
	if value < 0 {
		return fmt.Errorf("%s must not be negative", fieldName)
	}
	return nil
}

// ValidateRatio validates a value within [0, 1]
func ValidateRatio(value float64, fieldName string) error {
	if err := ValidateNonNegative(value, fieldName); err != nil {
		return err
	}
	if value > 1 {
		return fmt.Errorf("%s must be between 0 and 1", fieldName)
	}
	return nil
}

// ValidateLanguage validates a subtitle language tag
func ValidateLanguage(lang string) error {
	if !LanguageRegex.MatchString(lang) {
		return fmt.Errorf("invalid language tag %q", lang)
	}
	return nil
}

// ValidateElementID validates a player element identifier
func ValidateElementID(id string) error {
	if id == "" {
		return fmt.Errorf("element ID is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("element ID is too long (max 128 characters)")
	}
	if !ElementIDRegex.MatchString(id) {
		return fmt.Errorf("invalid element ID format")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
