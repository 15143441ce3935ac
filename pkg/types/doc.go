// Package types defines the scalar value variant, protocol envelope and
// payload types, connection states, configuration, and standard error types
// shared by both ends of the Larder backend protocol.
package types
