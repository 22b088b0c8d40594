// Package restconf implements the stateless engine backend over RESTCONF
// (RFC 8040) using the application/yang-data+json encoding.
//
// RESTCONF has no lock and no candidate datastore, so the backend describes
// itself with neither and the coordinator drives it through ReplaceDirect.
// Each edit maps to one request:
//
//	replace -> PUT    {target}
//	merge   -> PATCH  {target}
//	create  -> POST   {parent}
//	delete  -> DELETE {target}
//
// Devices advertising the "yang-patch" feature receive a multi-edit batch as a
// single YANG-Patch (RFC 8072) request, which the server applies atomically.
//
// Failed writes are classified by whether they could have reached the device.
// A request that never left the client is transient; one that was lost after
// sending is indeterminate and left for verification.
package restconf
