package sweeper

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/martec-compiler/internal/units"
)

// NoLimit disables the age or size bound it is assigned to.
const NoLimit = -1

// DefaultPeriod is the sweep interval when none is configured.
const DefaultPeriod = 24 * time.Hour

// Policy bounds the workspace root.
type Policy struct {
	Period       time.Duration
	MaxAge       time.Duration // NoLimit disables the age rule
	MaxTotalSize int64         // bytes; NoLimit disables the size rule
}

// DefaultPolicy sweeps once a day and enforces no bound.
func DefaultPolicy() Policy {
	return Policy{Period: DefaultPeriod, MaxAge: NoLimit, MaxTotalSize: NoLimit}
}

func (p Policy) ageEnabled() bool  { return p.MaxAge >= 0 }
func (p Policy) sizeEnabled() bool { return p.MaxTotalSize >= 0 }

// LogAttrs renders the policy for structured logs.
func (p Policy) LogAttrs() []any {
	maxAge, maxSize := "unlimited", "unlimited"
	if p.ageEnabled() {
		maxAge = p.MaxAge.String()
	}
	if p.sizeEnabled() {
		maxSize = humanize.Bytes(uint64(p.MaxTotalSize))
	}
	return []any{"period", p.Period.String(), "max_age", maxAge, "max_total_size", maxSize}
}

// PolicyFromConfig parses the textual period, keep_for and trim_to settings.
// Empty strings leave the default in place. A malformed value is logged and
// falls back to the default for that bound; the parse errors are returned
// joined so callers can report them, and the Policy is always usable.
func PolicyFromConfig(period, keepFor, trimTo string, logger *slog.Logger) (Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := DefaultPolicy()
	var errs []error

	if strings.TrimSpace(period) != "" {
		d, err := units.ParseDuration(period)
		switch {
		case err != nil:
			errs = append(errs, err)
			logger.Warn("invalid sweep period, using default", "value", period, "default", DefaultPeriod.String(), "error", err)
		case d <= 0:
			err = fmt.Errorf("sweep period %q must be positive", period)
			errs = append(errs, err)
			logger.Warn("invalid sweep period, using default", "value", period, "default", DefaultPeriod.String(), "error", err)
		default:
			p.Period = d
		}
	}

	if strings.TrimSpace(keepFor) != "" {
		d, err := units.ParseDuration(keepFor)
		if err != nil {
			errs = append(errs, err)
			logger.Warn("invalid keep_for, age rule disabled", "value", keepFor, "error", err)
		} else {
			p.MaxAge = d
		}
	}

	if strings.TrimSpace(trimTo) != "" {
		n, err := units.ParseSize(trimTo)
		if err != nil {
			errs = append(errs, err)
			logger.Warn("invalid trim_to, size rule disabled", "value", trimTo, "error", err)
		} else {
			p.MaxTotalSize = n
		}
	}

	return p, errors.Join(errs...)
}
