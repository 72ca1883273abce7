// Package safety provides security primitives shared across the submission
// pipeline: secret validation, URL safety checks (SSRF prevention), path
// traversal guards, filename sanity checks, and bounded I/O helpers.
package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// MinSecretLen is the minimum acceptable length for symmetric secrets (HMAC
// webhook signatures). 32 bytes = 256 bits of entropy.
const MinSecretLen = 32

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("safety: secret must be at least %d bytes", MinSecretLen)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("safety: path traversal detected")

// ErrSSRF is returned when a URL targets a private/loopback address.
var ErrSSRF = errors.New("safety: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("safety: only http and https schemes are allowed")

// ErrSuspiciousFilename is returned by ValidateFilename for names that look
// like path-traversal or executable-disguise attempts.
var ErrSuspiciousFilename = errors.New("safety: suspicious filename")

// executableSuffixes are file extensions MediaStore refuses regardless of
// declared MIME type.
var executableSuffixes = []string{
	".exe", ".sh", ".bat", ".cmd", ".com", ".scr", ".ps1", ".msi", ".app", ".jar",
}

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned absolute path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateFilename rejects names carrying path separators, parent-directory
// references, executable suffixes, or a double extension that hides an
// executable suffix (e.g. "photo.exe.jpg").
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrSuspiciousFilename)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: path characters in %q", ErrSuspiciousFilename, name)
	}
	lower := strings.ToLower(name)
	for _, suf := range executableSuffixes {
		if strings.HasSuffix(lower, suf) {
			return fmt.Errorf("%w: executable suffix in %q", ErrSuspiciousFilename, name)
		}
	}
	// Double extension: more than one '.' after stripping the leading dotfile case.
	base := strings.TrimPrefix(lower, ".")
	if strings.Count(base, ".") > 1 {
		for _, suf := range executableSuffixes {
			if strings.Contains(lower, suf+".") {
				return fmt.Errorf("%w: double extension in %q", ErrSuspiciousFilename, name)
			}
		}
	}
	return nil
}

// ValidateURL checks that rawURL uses http/https, has a hostname, and does
// not resolve to a private or loopback IP (SSRF prevention).
// DNS resolution is performed to catch rebinding via internal hostnames.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safety: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("safety: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// DNS failure — allow through; the caller gets a network error at
		// connection time anyway.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for SQL identifiers, file names, or URL path segments. Allows alphanumeric,
// underscore, hyphen, and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("safety: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("safety: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safety: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. Returns an error if the
// limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safety: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",
		"169.254.0.0/16",
		"::1/128",
	}
	for _, pr := range privateRanges {
		_, cidr, err := net.ParseCIDR(pr)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
