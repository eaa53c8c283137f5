package types

// FacetKind identifies the rich-text feature a facet annotates.
type FacetKind string

const (
	FacetLink    FacetKind = "link"
	FacetMention FacetKind = "mention"
	FacetTag     FacetKind = "tag"
	FacetUnknown FacetKind = "unknown"
)

// FacetKindFromType maps a lexicon feature $type to a FacetKind.
func FacetKindFromType(t string) FacetKind {
	switch t {
	case "app.bsky.richtext.facet#link":
		return FacetLink
	case "app.bsky.richtext.facet#mention":
		return FacetMention
	case "app.bsky.richtext.facet#tag":
		return FacetTag
	default:
		return FacetUnknown
	}
}

// CommitOperation is the repository operation carried by a commit event.
type CommitOperation string

const (
	OperationCreate CommitOperation = "create"
	OperationUpdate CommitOperation = "update"
	OperationDelete CommitOperation = "delete"
)

// DeliveryOutcome classifies the result of one webhook execution.
type DeliveryOutcome string

const (
	OutcomeSuccess          DeliveryOutcome = "success"
	OutcomeRateLimited      DeliveryOutcome = "rate_limited"
	OutcomeGone             DeliveryOutcome = "gone"
	OutcomeTransientFailure DeliveryOutcome = "transient_failure"
)

// DeliveryMode selects how the fan-out engine reaches destinations.
type DeliveryMode string

const (
	// DeliveryModeImmediate posts to every destination inline, without retry.
	DeliveryModeImmediate DeliveryMode = "immediate"
	// DeliveryModeQueued enqueues one work item per destination for a paced
	// batch consumer.
	DeliveryModeQueued DeliveryMode = "queued"
)
