// Package header provides typed representations of SIP message headers
// defined by RFC 3261.
//
// Each header type implements the [Header] interface, which combines
// rendering, cloning, validation, and equality comparison. Header names are
// canonicalized via [CanonicName], which also expands compact forms
// ("v" to "Via", "f" to "From", and so on).
//
// Many headers carry parameters represented by the Values multi-value map.
// Parameter rendering is deterministic: parameters are sorted alphabetically
// with the "q" parameter always first. Parameter comparison follows RFC 3261
// section 19.1.4 semantics, where special parameters must match in both
// headers and non-special parameters present on one side only are ignored.
//
// Extension headers not covered by a concrete type are represented by [Any].
package header
