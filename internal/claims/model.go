// Package claims holds the claim lifecycle: deriving a viewer's claim status
// for an item, submitting and deciding claim requests, and filtering a
// requester's claim history.
package claims

import "time"

// Item is a found object posted by its finder (a "pin").
type Item struct {
	ID          string    `json:"id"`
	CreatorID   string    `json:"creatorId"`
	CreatorName string    `json:"creatorName"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CreatedAt   time.Time `json:"createdAt"`
	// ClaimCount is derived from the number of stored claim requests for the
	// item; it is never written directly.
	ClaimCount int `json:"claimCount"`
	// Version increases with every committed change to the item or its claim
	// requests. Observers use it to discard rows read before a newer one.
	Version int64 `json:"version"`
}

// Decision is the finder's verdict on a claim request.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionAccepted  Decision = "accepted"
	DecisionRejected  Decision = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (d Decision) Terminal() bool {
	return d == DecisionAccepted || d == DecisionRejected
}

// ClaimRequest is a non-creator's request to be recognised as an item's owner.
type ClaimRequest struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"itemId"`
	RequesterID string     `json:"requesterId"`
	Message     string     `json:"message"`
	Decision    Decision   `json:"decision"`
	CreatedAt   time.Time  `json:"createdAt"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
}

// Identity is an authenticated principal issued by the external auth provider.
type Identity struct {
	ID string
}

// Profile carries the optional display name for an identity.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}
