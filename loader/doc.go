// Package loader builds flowpipe groups and pipelines from YAML.
//
// Steps are registered in a Catalog under a name, then referenced from a
// document that declares groups and pipelines:
//
//	groups:
//	  normalize: [trim, uppercase]
//	pipelines:
//	  slug:
//	    timeout: 2s
//	    retry:
//	      max_attempts: 3
//	      backoff: exponential
//	      initial: 100ms
//	    steps:
//	      - group: normalize
//	      - when: {field: "@this", operator: contains, value: " "}
//	        then: [replace]
//	      - nested: [audit, notify]
//	        label: side-effects
//
// A step entry is either a catalog name or a mapping with exactly one of
// name, group, nested, when or expr. Load the document with Parse or Load,
// register its groups with Apply and build pipelines with Build.
package loader
