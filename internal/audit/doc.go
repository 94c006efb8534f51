// Package audit writes an append-only JSON record per terminal
// request state. Records are queued to a background writer so the
// response path never blocks on audit I/O; when the queue is full the
// record is dropped and counted instead.
package audit
