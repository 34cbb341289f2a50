// Package models defines the core domain models for groupchat.
//
// # Models
//
//   - User: a registered account, identified by its username
//   - Group: a bounded-capacity named collection of users with a numeric ID
//   - Member: one entry of a group's ordered member list
//   - Event: a realtime notification emitted by a membership change
//
// # Design Principles
//
//  1. **Single source of truth**: Group.Members owns the membership relation.
//     User.Groups is derived from it by the storage layer on read, so the two
//     views can never drift apart.
//  2. **Value identity**: members are compared by username, never by pointer.
//  3. **Typed failures**: every operation reports one of the error kinds in
//     errors.go so the API layer can map it to a status code.
package models
