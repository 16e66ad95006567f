// Package sas builds and parses shared access signature tokens used by the
// device to authenticate to the message broker.
//
// Token text:
//
//	SharedAccessSignature sr=<resource>&sig=<url-escaped base64 HMAC-SHA256>&se=<unix seconds>
//
// The signed string is `<url-escaped resource>\n<se>`, so the expiry a broker
// reads from `se` is always the one covered by the signature.
package sas
