// Package config loads the logfleet configuration file.
//
// The file is YAML, or CUE when its name ends in .cue. CUE files are evaluated and
// checked against the built-in #Config schema before they are decoded, so a CUE file
// may compute values or share definitions across sections:
//
//	_root: "/opt/logfleet"
//	deploy: {
//	    deploy_root:     _root
//	    verify_attempts: 10
//	}
//
// Both formats decode onto Default(), so an empty file yields the defaults. The
// LOGFLEET_DB environment variable overrides database.path. The result is validated
// with struct tags before it is returned.
package config
