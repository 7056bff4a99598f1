package acidic

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("acidic: no store configured")
	ErrMigrationFailed = errors.New("acidic: migration failed")

	// Not found errors.
	ErrRecordNotFound = errors.New("acidic: execution record not found")
	ErrStagedNotFound = errors.New("acidic: staged job not found")
	ErrUnknownJob     = errors.New("acidic: unknown job")

	// Conflict errors.
	ErrRecordAlreadyExists = errors.New("acidic: execution record already exists")

	// Consistency errors.
	ErrParameterMismatch = errors.New("acidic: idempotency key already used with different job arguments")

	// Concurrency errors.
	ErrLocked               = errors.New("acidic: duplicate in-flight request")
	ErrLockLost             = errors.New("acidic: lock lost")
	ErrSerializationFailure = errors.New("acidic: transaction serialization failure")

	// Configuration errors.
	ErrUnknownRecoveryPoint = errors.New("acidic: unknown recovery point")
	ErrNoDefinedSteps       = errors.New("acidic: no defined steps")
	ErrMissingHandler       = errors.New("acidic: step has no handler")
	ErrUnknownAdapter       = errors.New("acidic: unknown job adapter")
	ErrBatchUnsupported     = errors.New("acidic: adapter does not support batches")
)

// kinds lists the reportable sentinels with the stable names stored in
// serialized errors. Order matters only when an error wraps several.
var kinds = []struct {
	kind string
	err  error
}{
	{"ParameterMismatch", ErrParameterMismatch},
	{"Locked", ErrLocked},
	{"LockLost", ErrLockLost},
	{"SerializationFailure", ErrSerializationFailure},
	{"UnknownRecoveryPoint", ErrUnknownRecoveryPoint},
	{"NoDefinedSteps", ErrNoDefinedSteps},
	{"MissingHandler", ErrMissingHandler},
	{"UnknownAdapter", ErrUnknownAdapter},
	{"BatchUnsupported", ErrBatchUnsupported},
	{"UnknownJob", ErrUnknownJob},
	{"RecordNotFound", ErrRecordNotFound},
	{"StagedNotFound", ErrStagedNotFound},
}

// KindOf returns the stable kind name of the first engine sentinel in err's
// chain.
func KindOf(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return "acidic." + k.kind, true
		}
	}
	return "", false
}

// SentinelFor is the inverse of KindOf.
func SentinelFor(kind string) (error, bool) {
	for _, k := range kinds {
		if "acidic."+k.kind == kind {
			return k.err, true
		}
	}
	return nil, false
}
