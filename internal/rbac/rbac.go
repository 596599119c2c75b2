package rbac

// Relation is how a viewer stands to an item.
type Relation string
type Action string

const (
	RelationAnonymous Relation = "anonymous"
	RelationVisitor   Relation = "visitor"
	RelationOwner     Relation = "owner"
)

const (
	ActionView       Action = "view"
	ActionClaim      Action = "claim"
	ActionDecide     Action = "decide"
	ActionListClaims Action = "list_claims"
	ActionPost       Action = "post"
	ActionDelete     Action = "delete"
)

func Can(relation Relation, action Action) bool {
	switch relation {
	case RelationOwner:
		return action == ActionView || action == ActionDecide || action == ActionListClaims || action == ActionPost || action == ActionDelete
	case RelationVisitor:
		return action == ActionView || action == ActionClaim || action == ActionPost
	case RelationAnonymous:
		return action == ActionView
	default:
		return false
	}
}

// RelationOf derives the relation of viewerID to an item created by creatorID.
// An empty viewerID is anonymous.
func RelationOf(viewerID, creatorID string) Relation {
	switch {
	case viewerID == "":
		return RelationAnonymous
	case viewerID == creatorID:
		return RelationOwner
	default:
		return RelationVisitor
	}
}
