package spa

import "errors"

var (
	// ErrBadData is returned for structural failures: bad length, a smuggled
	// cipher prefix, or an invalid HTTP wrapping.
	ErrBadData = errors.New("bad SPA data")

	// ErrNotSPAData is returned when the payload is plausibly not SPA data
	// at all: base64 failure, identifier decode failure, or a zero identifier.
	ErrNotSPAData = errors.New("not SPA data")

	// ErrCtx is returned when a crypto context could not be constructed.
	ErrCtx = errors.New("SPA context error")

	// ErrDigest is returned when the replay digest could not be computed or
	// stored.
	ErrDigest = errors.New("SPA digest error")

	// ErrDecryptFailed is returned for any HMAC, padding, or decryption
	// failure. It is deliberately never subdivided.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrReplay is returned when the ciphertext digest has been seen before.
	ErrReplay = errors.New("replay detected")

	// ErrAccessDenied is returned when a policy predicate rejects an
	// otherwise valid message.
	ErrAccessDenied = errors.New("access denied")

	// ErrCommand is returned when a command message executed but did not
	// exit cleanly.
	ErrCommand = errors.New("command error")
)
