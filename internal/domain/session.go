package domain

// ParticipantKind distinguishes the two sides of a conversation in the
// presence registry. Visitors are keyed by session id, operators by their
// own id.
type ParticipantKind string

const (
	ParticipantVisitor  ParticipantKind = "visitor"
	ParticipantOperator ParticipantKind = "operator"
)
