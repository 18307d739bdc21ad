// Package domain provides the domain model of the lab sample bridge: samples
// and their lifecycle, catalog lookups, broker message shapes, and the
// event log.
package domain

import (
	"fmt"
	"time"
)

// SampleState represents the synchronization state of a lab operation.
// These values must match the lab_operations.state check constraint.
type SampleState string

const (
	// SampleStatePending is a sample accepted from the external system and not yet reported back.
	SampleStatePending SampleState = "pending"
	// SampleStateSent is a sample whose finalized report was published and confirmed by the broker.
	SampleStateSent SampleState = "sent"
	// SampleStateReported is a sample whose report the external system acknowledged.
	SampleStateReported SampleState = "reported"
)

// IsValid returns true if the state is one of the known lifecycle states.
func (s SampleState) IsValid() bool {
	switch s {
	case SampleStatePending, SampleStateSent, SampleStateReported:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
// Only pending->sent and sent->reported exist; a sample re-enters pending
// solely through delete and recreate.
func (s SampleState) CanTransitionTo(next SampleState) bool {
	switch s {
	case SampleStatePending:
		return next == SampleStateSent
	case SampleStateSent:
		return next == SampleStateReported
	default:
		return false
	}
}

// PartyRef identifies a catalog row by its (tenant, code) pair. Clients,
// services, techniques, analysts, sections and departments all use it.
type PartyRef struct {
	Tenant string
	Code   int64
}

// IsZero reports whether the reference is unresolved.
func (p PartyRef) IsZero() bool {
	return p.Tenant == "" && p.Code == 0
}

// SampleKey is the internal identity of a sample: tenant, series and a
// sequence number minted by the technical key allocator.
type SampleKey struct {
	Tenant string
	Series string
	Number int64
}

// String renders the key as tenant/series/number for logs.
func (k SampleKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Tenant, k.Series, k.Number)
}

// Sample is one lab operation row.
type Sample struct {
	Key         SampleKey
	Reference   string
	Description string
	ExternalID  string
	State       SampleState

	// RegisteredOn is the local date the bridge inserted the row.
	RegisteredOn time.Time
	// ReceivedAt is the external creation timestamp.
	ReceivedAt      *time.Time
	CollectionStart *time.Time
	CollectionEnd   *time.Time

	Observations   string
	CollectionSite string
	ContainerType  string
	Temperature    string
	Volume         string
	Carrier        string

	Client        PartyRef
	Price         float64
	Discount      string
	TechniqueList string
	BreakdownType string
	SampleType    PartyRef
	Matrix        PartyRef
}

// AnalysisItem is one requested test staged under a sample.
type AnalysisItem struct {
	Technique      PartyRef
	Name           string
	AltName        string
	Method         string
	DetectionLimit string
	Minimum        string
	Unit           string
	Price          float64
	Discount       string
	Section        PartyRef
	Position       int
	Analyst        PartyRef
	Service        PartyRef
}

// SampleTree is everything a create writes for one sample.
type SampleTree struct {
	Sample      Sample
	Items       []AnalysisItem
	Service     *PartyRef
	Analysts    []PartyRef
	Departments []PartyRef
}

// KeyScope names one technical key counter.
type KeyScope struct {
	Tenant string
	Table  string
	Series string
}

// Technical key counters used by the bridge.
const (
	KeyTableSamples  = "lab_operations"
	KeyTableEventLog = "event_log"
)
