package broadcast

import "errors"

var (
	ErrJobNotFound = errors.New("broadcast job not found")
	// ErrJobBusy is the re-entrancy error: a delivery pass is already running for the job.
	ErrJobBusy           = errors.New("broadcast job is already processing")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrValidation        = errors.New("invalid broadcast job")
)
