// Package srt carries MPEG-TS over SRT. The Server accepts publishers into
// the ingest registry and serves players from a stream's TS sink. The Caller
// pulls streams from remote SRT listeners.
package srt
