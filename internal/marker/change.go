package marker

// ChangeKind identifies the kind of a normalized change event.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

// ChangeEvent is the normalized internal representation of a
// CREATE/UPDATE/DELETE emitted by the consumer or hydrator once it has
// been applied to the Store and the spatial index (§3 ChangeEvent).
type ChangeEvent struct {
	Kind    ChangeKind
	ID      string
	Prev    *Marker // nil for a fresh create
	Next    *Marker // nil for a delete
	Version uint64
}
