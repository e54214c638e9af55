// Copyright (c) the strata authors
// Licensed under the MIT license

package format

import "fmt"

// Mismatch reports that a region does not contain the format after all.
// The dispatcher treats it as "try the next candidate", not as a fault.
type Mismatch struct {
	Format string
	Reason string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("not %s: %s", m.Format, m.Reason)
}

// Mismatchf builds a *Mismatch with a formatted reason.
func Mismatchf(name, format string, args ...any) *Mismatch {
	return &Mismatch{Format: name, Reason: fmt.Sprintf(format, args...)}
}

// Deferred reports that the format cannot decide yet because it depends
// on data outside its own region, e.g. the other parts of a multi-part
// archive that have not been analyzed. The scheduler re-queues the task
// and retries until a configured wait budget runs out, after which the
// attempt counts as a mismatch.
type Deferred struct {
	Waiting string
}

func (d *Deferred) Error() string {
	return fmt.Sprintf("deferred: waiting for %s", d.Waiting)
}
