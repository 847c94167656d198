package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// PathValidator validates file paths supplied by users or config.
type PathValidator struct {
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxPathLength: 4096}
}

// ValidatePath returns the cleaned absolute path, with the parent
// directory's symlinks resolved.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	parent := filepath.Dir(absPath)
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("%w: parent symlink evaluation failed: %v", ErrInvalidPath, err)
		}
		return absPath, nil
	}
	return filepath.Join(realParent, filepath.Base(absPath)), nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// InputValidator checks free text handed to external services.
type InputValidator struct {
	MaxLength int
}

// DefaultInputValidator allows up to 64 KiB of UTF-8 text.
func DefaultInputValidator() *InputValidator {
	return &InputValidator{MaxLength: 65536}
}

// Validate rejects oversized, non-UTF-8 or control-laden input. Newlines
// and tabs are allowed.
func (v *InputValidator) Validate(input string) error {
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(input), v.MaxLength)
	}
	if strings.Contains(input, "\x00") {
		return ErrNullByte
	}
	if !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	for _, r := range input {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return ErrControlCharacters
		}
	}
	return nil
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization)([\s:="']+)(bearer\s+)?[\w\-./+=]{16,}`), "$1$2[REDACTED]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?s)-----BEGIN[\w\s]+PRIVATE KEY-----.*?-----END[\w\s]+PRIVATE KEY-----`), "[PRIVATE KEY REDACTED]"},
}

// SanitizeLogOutput masks credentials and key blocks in free text, such
// as an error body returned by a remote service.
func SanitizeLogOutput(input string) string {
	result := input
	for _, sp := range sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	return result
}
