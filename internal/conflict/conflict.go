// Package conflict decides how a remote log record interacts with the local
// history of the same row.
//
// Every function is pure: inputs are never mutated and results depend only on
// the arguments. Two records are compared through their changed-field sets
// (see schema.LogRecord.ChangedFields).
package conflict

import (
	"sort"

	"github.com/steveyegge/relaysync/internal/schema"
)

// Kind classifies the relationship between an incoming record and newer local
// history for the same row.
type Kind int

const (
	// None means the incoming record can be applied as is.
	None Kind = iota
	// FieldConflict means both sides updated at least one common field.
	FieldConflict
	// DeleteConflict means one side deleted the row.
	DeleteConflict
	// Irreconcilable means the incoming record cannot be reasoned about.
	Irreconcilable
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case FieldConflict:
		return "field_conflict"
	case DeleteConflict:
		return "delete_conflict"
	case Irreconcilable:
		return "irreconcilable"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of last-write-wins.
type Resolution int

const (
	// UseLocal keeps the local state.
	UseLocal Resolution = iota
	// UseRemote applies the incoming record.
	UseRemote
)

func (r Resolution) String() string {
	if r == UseRemote {
		return "use_remote"
	}
	return "use_local"
}

// Newer returns the records in existing whose timestamp is strictly greater
// than incoming's, in their original order.
func Newer(incoming *schema.LogRecord, existing []*schema.LogRecord) []*schema.LogRecord {
	var out []*schema.LogRecord
	for _, e := range existing {
		if e.Timestamp > incoming.Timestamp {
			out = append(out, e)
		}
	}
	return out
}

// NewestNewer returns the most recent record in existing that is newer than
// incoming, or nil if there is none.
func NewestNewer(incoming *schema.LogRecord, existing []*schema.LogRecord) *schema.LogRecord {
	var newest *schema.LogRecord
	for _, e := range Newer(incoming, existing) {
		if newest == nil || e.Timestamp > newest.Timestamp {
			newest = e
		}
	}
	return newest
}

// NewestConflicting returns the most recent update in existing that is newer
// than incoming and changes at least one field incoming changes, or nil.
// Newer updates to other fields do not compete with incoming.
func NewestConflicting(incoming *schema.LogRecord, existing []*schema.LogRecord) *schema.LogRecord {
	if incoming.Operation != schema.OpUpdate {
		return nil
	}
	incomingFields := incoming.ChangedFields()
	var newest *schema.LogRecord
	for _, e := range Newer(incoming, existing) {
		if e.Operation != schema.OpUpdate || !intersects(incomingFields, e.ChangedFields()) {
			continue
		}
		if newest == nil || e.Timestamp > newest.Timestamp {
			newest = e
		}
	}
	return newest
}

// DetectConflict classifies incoming against existing records for the same
// row. Only records strictly newer than incoming are considered.
func DetectConflict(incoming *schema.LogRecord, existing []*schema.LogRecord) Kind {
	if incoming.Validate() != nil {
		return Irreconcilable
	}

	newer := Newer(incoming, existing)
	if len(newer) == 0 {
		return None
	}

	if incoming.Operation == schema.OpDelete {
		return DeleteConflict
	}
	for _, e := range newer {
		if e.Operation == schema.OpDelete {
			return DeleteConflict
		}
	}

	if incoming.Operation != schema.OpUpdate {
		return None
	}
	incomingFields := incoming.ChangedFields()
	for _, e := range newer {
		if e.Operation != schema.OpUpdate {
			continue
		}
		if intersects(incomingFields, e.ChangedFields()) {
			return FieldConflict
		}
	}
	return None
}

// ResolveConflict applies last-write-wins by timestamp. Ties keep the local
// state.
func ResolveConflict(incoming, local *schema.LogRecord) Resolution {
	if incoming.Timestamp > local.Timestamp {
		return UseRemote
	}
	return UseLocal
}

// TryMerge combines two updates whose changed-field sets are disjoint. The
// result is local.Data overlaid with incoming's changed fields. It returns
// false when either record is not an update or the field sets intersect.
func TryMerge(incoming, local *schema.LogRecord) (map[string]any, bool) {
	if incoming.Operation != schema.OpUpdate || local.Operation != schema.OpUpdate {
		return nil, false
	}
	incomingFields := incoming.ChangedFields()
	if intersects(incomingFields, local.ChangedFields()) {
		return nil, false
	}

	merged := make(map[string]any, len(local.Data)+len(incomingFields))
	for k, v := range local.Data {
		merged[k] = v
	}
	for k := range incomingFields {
		merged[k] = incoming.Data[k]
	}
	return merged, true
}

// OrderByTimestamp returns a copy of records sorted ascending by timestamp.
// Records with equal timestamps keep their relative order.
func OrderByTimestamp(records []*schema.LogRecord) []*schema.LogRecord {
	out := make([]*schema.LogRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// GroupByRecord buckets records by "table:primaryKey", preserving order
// within each bucket.
func GroupByRecord(records []*schema.LogRecord) map[string][]*schema.LogRecord {
	groups := make(map[string][]*schema.LogRecord)
	for _, r := range records {
		key := r.RecordKey()
		groups[key] = append(groups[key], r)
	}
	return groups
}

func intersects(a, b map[string]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
