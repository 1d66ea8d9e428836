// Package access answers whether the local user may read a scope. The sync
// engine consults it before opening a conversation and before every
// recovery query.
//
// The global scope is always readable. Conversation scopes are checked
// against membership: Static holds an in-memory set, Postgres reads the
// conversation_members table.
package access
