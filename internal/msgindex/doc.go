// Package msgindex holds the ordered, partially loaded message index of one
// conversation.
//
// The index never knows the full history. Each record carries two
// contiguity flags: HasPrevious means the record immediately before it in id
// order is also present in the index, HasNext likewise for the record after
// it. A reader walking the index stops where a flag is false and asks the
// server for the missing page.
//
// Nodes live in an arena addressed by integer handles and are balanced as a
// treap whose priorities are derived from the message id, so the shape of
// the tree is a pure function of the id set and nothing about balance needs
// to be persisted.
//
// An Index is not safe for concurrent use. It is owned by the logical
// sequence of its conversation.
package msgindex
