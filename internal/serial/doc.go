// Package serial owns the object-graph text codec.
//
// Ownership boundary:
// - scalar token encode/decode
// - custom type registry (custom:<tag>:<token> envelopes)
// - type registry with explicit per-type field descriptors
// - cycle-safe graph exporter/importer
// - whole-message ZIP:/B64: wrapping
//
// A message is either one scalar token or a nested envelope:
//
//	{
//	REF library.Story@1
//	meta:
//	{
//	REF library.MetaData@2
//	title:"Wings"
//	}
//	}
//
// Every distinct pointer reached during one export gets exactly one full
// envelope. Later sightings are bare `{ REF type@id }` envelopes which the
// importer resolves to the instance it already built.
package serial
