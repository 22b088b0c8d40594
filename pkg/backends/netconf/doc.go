// Package netconf implements the stateful engine backend over NETCONF
// (RFC 6241) on SSH.
//
// A device with a candidate datastore is driven through the full lifecycle:
// lock, edit-config into candidate, validate, commit and unlock. Without a
// candidate, edits go to running directly, under a lock when the device
// supports one.
//
// Each edit becomes one edit-config whose target node carries an
// nc:operation attribute (replace, merge, create or remove). YANG module
// prefixes in paths are mapped to XML namespaces by built-in rules for the
// ietf, iana, openconfig and Cisco IOS-XE/XR families, and Config.Namespaces
// covers everything else.
//
// Reads use get-config on running with a subtree filter. Leaf text is turned
// back into booleans and numbers only when it is already in canonical form.
//
// A session that loses its transport while holding a lock is never silently
// replaced, since the server drops the lock and the candidate with it. A lost
// commit, or a lost edit on running, is reported as indeterminate.
package netconf
