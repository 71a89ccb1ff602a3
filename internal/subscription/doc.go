// Package subscription tracks which downstream connections want which
// resources.
//
// The Registry is the source of truth for "who wants what". Its
// Subscribe/Unsubscribe/DropConnection results report reference-count
// transitions (0->1, 1->0) which callers use to start and stop the
// per-resource refresh work.
package subscription
