// Package config loads the listener configuration from YAML.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets such as the database password need not live in the
// file. Load only parses; LoadWithDefaults fills optional fields;
// LoadAndValidate does both and checks the result.
package config
