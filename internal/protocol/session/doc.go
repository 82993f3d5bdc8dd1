// Package session is the per-socket protocol: a version handshake followed
// by any number of request/response exchanges, one serial message per line.
//
// The initiator (Dial, Connect) sends "VERSION x.y.z" first and reads the
// peer's version line; the responder (Accept) reads first and answers. After
// that every line is a message produced by serial.Codec.MarshalLine.
//
// Transport wrapping is chosen by Config.Security: plain TCP, anonymous TLS
// (self-signed throwaway certificate, unverified) or verified TLS.
package session
