package crawler

import "fmt"

// CandidateStatus is the lifecycle state of a FrontierCandidate.
type CandidateStatus string

// Frontier candidate states.
const (
	CandidatePending    CandidateStatus = "pending"
	CandidateInProgress CandidateStatus = "in_progress"
	CandidateDone       CandidateStatus = "done"
	CandidateFailed     CandidateStatus = "failed"
)

// Valid reports whether s is a known candidate status.
func (s CandidateStatus) Valid() bool {
	switch s {
	case CandidatePending, CandidateInProgress, CandidateDone, CandidateFailed:
		return true
	}
	return false
}

// Terminal reports whether the candidate left the active frontier.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateDone || s == CandidateFailed
}

// CanTransitionTo reports whether s may move to next.
// in_progress may return to pending (retry, watchdog release).
func (s CandidateStatus) CanTransitionTo(next CandidateStatus) bool {
	switch s {
	case CandidatePending:
		return next == CandidateInProgress
	case CandidateInProgress:
		return next == CandidateDone || next == CandidateFailed || next == CandidatePending
	case CandidateDone, CandidateFailed:
		return false
	}
	return false
}

// Transition validates the move from s to next.
func (s CandidateStatus) Transition(next CandidateStatus) (CandidateStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("candidate %s -> %s: %w", s, next, ErrInvalidTransition)
	}
	return next, nil
}

// PageStatus is the scan state of a monitored Wikipedia page.
type PageStatus string

// Wikipedia page states.
const (
	PagePending   PageStatus = "pending"
	PageScanning  PageStatus = "scanning"
	PageCompleted PageStatus = "completed"
	PageError     PageStatus = "error"
)

// Valid reports whether s is a known page status.
func (s PageStatus) Valid() bool {
	switch s {
	case PagePending, PageScanning, PageCompleted, PageError:
		return true
	}
	return false
}

// Selectable reports whether the monitor may pick the page up.
func (s PageStatus) Selectable() bool {
	return s == PagePending || s == PageError
}

// CanTransitionTo reports whether s may move to next. error behaves as
// pending for selection, so it may re-enter scanning.
func (s PageStatus) CanTransitionTo(next PageStatus) bool {
	switch s {
	case PagePending, PageError:
		return next == PageScanning
	case PageScanning:
		return next == PageCompleted || next == PageError
	case PageCompleted:
		return false
	}
	return false
}

// Transition validates the move from s to next.
func (s PageStatus) Transition(next PageStatus) (PageStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("page %s -> %s: %w", s, next, ErrInvalidTransition)
	}
	return next, nil
}

// VerificationStatus tracks URL reachability checks for a citation.
type VerificationStatus string

// Citation verification states.
const (
	VerificationPending     VerificationStatus = "pending"
	VerificationPendingWiki VerificationStatus = "pending_wiki"
	VerificationVerifying   VerificationStatus = "verifying"
	VerificationVerified    VerificationStatus = "verified"
	VerificationFailed      VerificationStatus = "failed"
)

// Valid reports whether s is a known verification status.
func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationPendingWiki, VerificationVerifying,
		VerificationVerified, VerificationFailed:
		return true
	}
	return false
}

// Processable reports whether a citation in this state may be returned by
// the next-citation query. pending_wiki is never processable.
func (s VerificationStatus) Processable() bool {
	return s == VerificationPending || s == VerificationVerified
}

// CanTransitionTo reports whether s may move to next.
func (s VerificationStatus) CanTransitionTo(next VerificationStatus) bool {
	switch s {
	case VerificationPending:
		return next == VerificationVerifying || next == VerificationFailed
	case VerificationVerifying:
		return next == VerificationVerified || next == VerificationFailed
	case VerificationVerified:
		return next == VerificationFailed
	case VerificationPendingWiki, VerificationFailed:
		return false
	}
	return false
}

// Transition validates the move from s to next.
func (s VerificationStatus) Transition(next VerificationStatus) (VerificationStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("verification %s -> %s: %w", s, next, ErrInvalidTransition)
	}
	return next, nil
}

// ScanStatus tracks citation content processing. It only moves forward.
type ScanStatus string

// Citation scan states.
const (
	ScanNotScanned ScanStatus = "not_scanned"
	ScanScanning   ScanStatus = "scanning"
	ScanScanned    ScanStatus = "scanned"
)

// Valid reports whether s is a known scan status.
func (s ScanStatus) Valid() bool {
	switch s {
	case ScanNotScanned, ScanScanning, ScanScanned:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next.
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	switch s {
	case ScanNotScanned:
		return next == ScanScanning
	case ScanScanning:
		return next == ScanScanned
	case ScanScanned:
		return false
	}
	return false
}

// Transition validates the move from s to next.
func (s ScanStatus) Transition(next ScanStatus) (ScanStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("scan %s -> %s: %w", s, next, ErrInvalidTransition)
	}
	return next, nil
}

// RelevanceDecision records the outcome of scoring a citation.
type RelevanceDecision string

// Relevance decisions. DecisionNone is the undecided (null) state.
const (
	DecisionNone   RelevanceDecision = ""
	DecisionSaved  RelevanceDecision = "saved"
	DecisionDenied RelevanceDecision = "denied"
)

// Valid reports whether d is a known decision.
func (d RelevanceDecision) Valid() bool {
	switch d {
	case DecisionNone, DecisionSaved, DecisionDenied:
		return true
	}
	return false
}

// CanTransitionTo reports whether d may move to next. Decisions are final.
func (d RelevanceDecision) CanTransitionTo(next RelevanceDecision) bool {
	switch d {
	case DecisionNone:
		return next == DecisionSaved || next == DecisionDenied
	case DecisionSaved, DecisionDenied:
		return false
	}
	return false
}

// FeedStatus tracks delivery of an accepted item to the agent feed.
type FeedStatus string

// Feed delivery states.
const (
	FeedPending  FeedStatus = "pending"
	FeedEnqueued FeedStatus = "enqueued"
)

// Origin records how a candidate entered the frontier.
type Origin string

// Candidate origins.
const (
	OriginSeed     Origin = "seed"
	OriginReseed   Origin = "reseed"
	OriginCitation Origin = "citation"
	OriginOutlink  Origin = "outlink"
	OriginFeed     Origin = "feed"
)

// ReasonCode labels every scheduler skip/accept decision.
type ReasonCode string

// Scheduler reason codes.
const (
	ReasonOK                ReasonCode = "ok"
	ReasonHostThrottle      ReasonCode = "host_throttle"
	ReasonHostCap           ReasonCode = "host_cap"
	ReasonCanonicalCooldown ReasonCode = "canonical_cooldown"
	ReasonWikiLowDiversity  ReasonCode = "wiki_low_diversity"
	ReasonWikiShareGuard    ReasonCode = "wiki_share_guard"
)

// IsThrottle reports whether the reason stems from host backpressure.
func (r ReasonCode) IsThrottle() bool {
	return r == ReasonHostThrottle || r == ReasonHostCap
}
