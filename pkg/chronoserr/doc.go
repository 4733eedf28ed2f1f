/*
Package chronoserr implements the typed failure taxonomy shared by every
Chronos-DB component.

# Taxonomy

Every operation exposed by the core returns one of a fixed set of error
kinds rather than an arbitrary wrapped error:

	Validation      - malformed or incomplete input, never retried
	NotFound        - referenced item/version does not exist
	OptimisticLock  - expectedOv did not match the current head
	RouteMismatch   - the resolved route cannot serve the request
	StorageTransient - retryable backend failure (network blip, timeout)
	StoragePermanent - non-retryable backend failure
	DocCommit       - the document-store commit step failed
	Externalization - a configured field could not be externalized
	LockConflict    - another mutation holds the item's lock
	Integrity       - checksum mismatch on read

# Propagation policy

Validation, NotFound, OptimisticLock, and RouteMismatch are surfaced
immediately and never retried by the core. StorageTransient, DocCommit
(when caused by a transient condition), and LockConflict (when the lock
is about to expire) are candidates for fallback enqueue. StoragePermanent,
Integrity, and Externalization are surfaced immediately since retrying
them cannot help.

Callers should use errors.As to recover an *Error and inspect its Kind,
or IsRetryable to decide whether enqueueing a retry makes sense.
*/
package chronoserr
