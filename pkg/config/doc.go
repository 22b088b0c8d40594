// Package config loads fleetconf's configuration file and change plans.
//
// # Application configuration
//
// AppConfig is read from YAML over DefaultAppConfig, so a file only needs the
// settings it changes. Struct tags are checked with validator/v10. Backend
// credentials may come from the environment instead of the file:
//
//	FLEETCONF_NETCONF_PASSWORD
//	FLEETCONF_RESTCONF_PASSWORD
//
// # Plans
//
// A change plan is a YAML, JSON or CUE document:
//
//	id: mtu-rollout
//	rollback_on_any_failure: true
//	devices:
//	  - device: core-1
//	    edits:
//	      - path: /ietf-interfaces:interfaces/interface[name=Gi1]
//	        op: merge
//	        value: {mtu: 9000}
//	  - device: edge-1
//	    depends_on: [core-1]
//	    edits:
//	      - path: /ietf-interfaces:interfaces/interface[name=Gi2]/description
//	        op: replace
//	        value: uplink
//
// CUE plans are unified with a #Plan schema before export, and may put the
// plan under a top-level "plan" field to keep helper values and
// comprehensions beside it. Edit values are normalized to the shape device
// reads produce, so numbers are float64 whatever the source format.
//
// WritePlan renders a plan back to any of the three formats; backups are
// written this way and restored by applying them.
package config
