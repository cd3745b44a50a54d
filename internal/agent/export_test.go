package agent

import "github.com/cenkalti/backoff/v4"

// SetCaptureBackoff replaces the capture retry policy so tests do not sleep.
func (p *Pilot) SetCaptureBackoff(f func() backoff.BackOff) { p.captureBackoff = f }
