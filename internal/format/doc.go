// Package format holds the little-endian encoding and alignment helpers used
// for every on-heap structure.
package format
