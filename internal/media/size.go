package media

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a human size string ("200MB", "1.5GiB", "750000") into
// bytes. Decimal suffixes are powers of 1000, binary (KiB, MiB) powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidRequest)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed size %q: %v", ErrInvalidRequest, s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: size %q must be positive", ErrInvalidRequest, s)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%w: size %q is too large", ErrInvalidRequest, s)
	}
	return int64(n), nil
}

// FormatSize renders a byte count for logs and summaries.
func FormatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

// ValidateTarget rejects budgets that do not shrink the original.
func ValidateTarget(target, original int64) error {
	if target <= 0 {
		return nil
	}
	if target >= original {
		return fmt.Errorf("%w: target size %s is not smaller than original %s",
			ErrInvalidRequest, FormatSize(target), FormatSize(original))
	}
	return nil
}
