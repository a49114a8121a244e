package escrow

import (
	"strconv"
)

const (
	EventTypeCreated          = "escrow.created"
	EventTypeFunded           = "escrow.funded"
	EventTypePendingRelease   = "escrow.pending_release"
	EventTypeReleased         = "escrow.released"
	EventTypePartialReleased  = "escrow.partial_released"
	EventTypeRefunded         = "escrow.refunded"
	EventTypeDisputed         = "escrow.disputed"
	EventTypeResolved         = "escrow.resolved"
	EventTypeCancelled        = "escrow.cancelled"
	EventTypeConditionUpdated = "escrow.condition.updated"
	EventTypeApproved         = "escrow.approved"
	EventTypeDocumentAdded    = "escrow.document.added"
)

// Event is the canonical payload handed to emitters after a successful
// mutation. Attributes are flat strings so downstream consumers (webhooks,
// logs, metrics) never need the domain types.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives events after the mutated record has been persisted.
// Emission is best-effort; the engine never rolls back on emitter failure.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

func newEscrowEvent(eventType string, e *Escrow) Event {
	attrs := map[string]string{
		"id":        e.ID,
		"kind":      string(e.Kind),
		"status":    string(e.Status),
		"amount":    e.Amount.String(),
		"updatedAt": strconv.FormatInt(e.UpdatedAt.Unix(), 10),
	}
	if e.Settlement != nil {
		attrs["destination"] = e.Settlement.Destination
		attrs["txRef"] = e.Settlement.TxRef
	}
	return Event{Type: eventType, Attributes: attrs}
}

func newConditionEvent(e *Escrow, c *Condition) Event {
	evt := newEscrowEvent(EventTypeConditionUpdated, e)
	evt.Attributes["conditionId"] = c.ID
	evt.Attributes["conditionType"] = string(c.Type)
	evt.Attributes["conditionStatus"] = string(c.Status)
	return evt
}

func newApprovalEvent(e *Escrow, role string) Event {
	evt := newEscrowEvent(EventTypeApproved, e)
	evt.Attributes["role"] = role
	evt.Attributes["approvals"] = strconv.Itoa(len(e.Approvals))
	return evt
}

func newDocumentEvent(e *Escrow, doc *Document) Event {
	evt := newEscrowEvent(EventTypeDocumentAdded, e)
	evt.Attributes["documentId"] = doc.ID
	evt.Attributes["documentName"] = doc.Name
	return evt
}
