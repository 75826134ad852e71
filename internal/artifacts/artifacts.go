// Package artifacts stores opaque blobs behind a single ref-keyed
// interface with filesystem and GCS backends. The worker stores each raw
// model response under its job id; jobs.result_ref is not written by any
// code in this repository.
package artifacts

import "context"

// Store puts and retrieves opaque blobs keyed by a caller-chosen ref
// (typically a job id or content hash). Refs are never interpreted by this
// package beyond mapping to a backend-local location.
type Store interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
}
