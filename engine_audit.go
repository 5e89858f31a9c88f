package courseauth

import "context"

// emitAudit stamps ev with the engine clock and the request's client details
// and queues it. It never blocks when the dispatcher drops on full.
func (e *Engine) emitAudit(ctx context.Context, ev AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	ev.Timestamp = e.now()
	if ev.IP == "" {
		ev.IP = clientIPFromContext(ctx)
	}
	if ev.UserAgent == "" {
		ev.UserAgent = userAgentFromContext(ctx)
	}
	e.audit.Emit(ctx, ev)
}
