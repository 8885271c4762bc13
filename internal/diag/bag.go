package diag

import (
	"github.com/hashicorp/go-multierror"
)

// Bag accumulates diagnostics across a multi-step pass (manifest parse,
// preflight, cleanup) so callers can report everything observed instead
// of stopping at the first warning.
type Bag struct {
	items []Diagnostic
}

func (b *Bag) Add(d Diagnostic) {
	b.items = append(b.items, d)
}

func (b *Bag) Addf(severity Severity, format string, args ...any) {
	switch severity {
	case SeverityInfo:
		b.Add(Info(format, args...))
	case SeverityWarning:
		b.Add(Warning(format, args...))
	default:
		b.Add(ErrorDiag(format, args...))
	}
}

func (b *Bag) Items() []Diagnostic {
	return append([]Diagnostic(nil), b.items...)
}

func (b *Bag) Len() int { return len(b.items) }

// ErrorCollector accumulates fatal errors across a pass that should keep
// evaluating every check before giving up (§4.3: "All preflight failures
// are collectable"). Building on *multierror.Error gives us the
// idiomatic ErrorOrNil()/Errors accessors instead of a hand-rolled slice.
type ErrorCollector struct {
	merr *multierror.Error
}

func (c *ErrorCollector) Append(err error) {
	if err == nil {
		return
	}
	c.merr = multierror.Append(c.merr, err)
}

// ErrorOrNil returns nil if nothing was collected, or the accumulated
// error otherwise.
func (c *ErrorCollector) ErrorOrNil() error {
	if c.merr == nil {
		return nil
	}
	return c.merr.ErrorOrNil()
}

func (c *ErrorCollector) Len() int {
	if c.merr == nil {
		return 0
	}
	return len(c.merr.Errors)
}
