// Package schema is the versioned schema registry for bundle documents.
//
// Definitions live in registry.cue and are compiled once with the CUE Go
// API. Each (kind, version) pair declares its fields with a primitive type
// and a required flag. Validation collects every violation into a
// *SchemaError; unknown fields are kept in the record and listed, never
// rejected.
package schema
