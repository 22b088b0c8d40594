// Package catalog serves device capabilities from a YAML inventory.
//
// An inventory lists every device with its address, the protocols it speaks
// and what its datastores support:
//
//	defaults:
//	  protocols: [netconf]
//	devices:
//	  - id: core-1
//	    address: 10.0.0.1
//	    locking: true
//	    candidate: true
//	    validate: true
//	  - id: edge-1
//	    address: edge-1.example.net
//	    protocols: [restconf]
//	    features: [yang-patch]
//
// Each load produces an immutable Snapshot. Catalog swaps snapshots
// atomically on Reload, and Watch reloads whenever the file changes. A file
// that fails to parse leaves the previous snapshot in service.
package catalog
