package scanning

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/camwatch/internal/errors"
)

// ScanRequest is a single target queued for fetching. It is a value and is
// never mutated after construction.
type ScanRequest struct {
	ID          string
	Target      string
	SubmittedAt time.Time
}

// NewScanRequest validates target and normalises it to an absolute URL.
// A bare host, host:port or IP address becomes http://<target>.
func NewScanRequest(target string) (ScanRequest, error) {
	normalized, err := NormalizeTarget(target)
	if err != nil {
		return ScanRequest{}, err
	}
	return ScanRequest{
		ID:          uuid.NewString(),
		Target:      normalized,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// NormalizeTarget returns target as an http or https URL.
func NormalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.ErrInvalidTarget(target)
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", errors.WrapWithTarget(errors.CodeValidation, "invalid target", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.NewWithTarget(errors.CodeValidation, "unsupported scheme "+u.Scheme, target)
	}
	if u.Hostname() == "" {
		return "", errors.ErrInvalidTarget(target)
	}
	return u.String(), nil
}

// HostOf returns the host part of a target URL, without port.
func HostOf(target string) string {
	u, err := url.Parse(target)
	if err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}
