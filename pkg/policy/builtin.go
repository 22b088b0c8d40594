package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		nonEmptyPlanPolicy(),
		managementInterfacePolicy(),
		rollbackPolicyRequired(),
		frozenDevicePolicy(),
		concurrencyPolicy(),
	}
}

func nonEmptyPlanPolicy() Policy {
	return Policy{
		Name:        "non-empty-plan",
		Description: "Rejects plans without devices or with devices that carry no edits",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"plan"},
		Rego: `package fleetconf.policies.plan

import rego.v1

empty(coll) if is_null(coll)

empty(coll) if count(coll) == 0

deny contains violation if {
	empty(input.plan.devices)
	violation := {
		"message": sprintf("plan %s changes no devices", [input.plan.id]),
	}
}

deny contains violation if {
	some dev in input.plan.devices
	empty(dev.edits)
	violation := {
		"message": "device has no edits",
		"device": dev.device,
	}
}
`,
	}
}

func managementInterfacePolicy() Policy {
	return Policy{
		Name:        "management-interface",
		Description: "Rejects deleting or disabling management interfaces",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "interfaces"},
		Rego: `package fleetconf.policies.management

import rego.v1

mgmt_pattern := ` + "`" + `interface\[name=((?i:mgmt|management)[^\]]*|fxp0|em0|ma1)\]` + "`" + `

management_path(path) if regex.match(mgmt_pattern, path)

deny contains violation if {
	some dev in input.plan.devices
	some edit in dev.edits
	edit.op == "delete"
	management_path(edit.path)
	violation := {
		"message": sprintf("deletes management interface config at %s", [edit.path]),
		"device": dev.device,
	}
}

deny contains violation if {
	some dev in input.plan.devices
	some edit in dev.edits
	edit.op in {"replace", "merge"}
	management_path(edit.path)
	endswith(edit.path, "/enabled")
	edit.value == false
	violation := {
		"message": sprintf("disables management interface at %s", [edit.path]),
		"device": dev.device,
	}
}

deny contains violation if {
	some dev in input.plan.devices
	some edit in dev.edits
	edit.op in {"replace", "merge"}
	management_path(edit.path)
	edit.value.enabled == false
	violation := {
		"message": sprintf("disables management interface at %s", [edit.path]),
		"device": dev.device,
	}
}
`,
	}
}

func rollbackPolicyRequired() Policy {
	return Policy{
		Name:        "rollback-policy",
		Description: "Multi-device plans must state whether one failure rolls back the fleet",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"plan", "rollback"},
		Rego: `package fleetconf.policies.rollback

import rego.v1

deny contains violation if {
	count(input.plan.devices) > 1
	not "rollback_on_any_failure" in object.keys(input.plan)
	violation := {
		"message": sprintf("plan %s changes %d devices but does not set rollback_on_any_failure", [input.plan.id, count(input.plan.devices)]),
	}
}
`,
	}
}

func frozenDevicePolicy() Policy {
	return Policy{
		Name:        "frozen-device",
		Description: "Rejects changes to devices labeled frozen in the inventory",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"inventory", "change-freeze"},
		Rego: `package fleetconf.policies.frozen

import rego.v1

deny contains violation if {
	some dev in input.plan.devices
	input.fleet.devices[dev.device].labels.frozen == "true"
	violation := {
		"message": "device is frozen",
		"device": dev.device,
	}
}
`,
	}
}

func concurrencyPolicy() Policy {
	return Policy{
		Name:        "concurrency",
		Description: "Warns when plan concurrency exceeds the fleet size",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"plan"},
		Rego: `package fleetconf.policies.concurrency

import rego.v1

deny contains violation if {
	input.plan.concurrency > input.fleet.size
	violation := {
		"message": sprintf("concurrency %d exceeds fleet size %d", [input.plan.concurrency, input.fleet.size]),
		"details": {"concurrency": input.plan.concurrency, "fleet_size": input.fleet.size},
	}
}
`,
	}
}
