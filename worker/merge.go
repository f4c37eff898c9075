package worker

// collapse a raw batch of deltas into disjoint new/updated/deleted sets.
// this is a pure, order-dependent reduction with no i/o and no failure mode.
// dedup by guid happens at apply time, not here.

// MergeDeltas folds increment/replace deltas by first-seen path. A fold only
// happens when the existing entry's subscription matches the incoming
// delta's subscription; two subscriptions can legitimately shadow the same
// object path and must stay separate entries. Add and delete deltas are
// never merged with anything.
func MergeDeltas(deltas []*Delta) *MergedBatch {
	batch := NewMergedBatch()

	for _, delta := range deltas {
		switch delta.Op {
		case OpAdd:
			batch.New = append(batch.New, delta.clone())
		case OpDelete:
			batch.Deleted = append(batch.Deleted, delta.clone())
		case OpIncrement, OpReplace:
			var match *Delta
			for _, updated := range batch.Updated {
				if updated.Path == delta.Path {
					match = updated
					break
				}
			}
			if match != nil && match.Subscription == delta.Subscription {
				if delta.Op == OpIncrement {
					match.Value = numericValue(match.Value) + numericValue(delta.Value)
				} else {
					match.Value = delta.Value
				}
				if delta.Kind == KindUser {
					match.Email = delta.Email
				}
			} else {
				batch.Updated = append(batch.Updated, delta.clone())
			}
		}
	}

	return batch
}

// json-decoded increment values are float64. tests and local callers may
// hand in untyped ints.
func numericValue(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
