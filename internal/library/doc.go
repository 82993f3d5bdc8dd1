// Package library is a small in-memory story library served over the serial
// protocol. Its types form real object graphs: chapters point back at their
// story and progress trackers at their parent.
package library
