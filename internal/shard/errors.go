package shard

import "fmt"

// integrityError signals a checksum mismatch or an unloadable dependency
// order during merge. The merge is aborted and no partial output is left.
type integrityError struct {
	shardID string
	msg     string
}

func (e integrityError) Error() string {
	if e.shardID != "" {
		return fmt.Sprintf("shard integrity: %s: %s", e.shardID, e.msg)
	}
	return "shard integrity: " + e.msg
}

// ErrIntegrity constructs an integrity error for a specific shard.
func ErrIntegrity(shardID, format string, args ...any) error {
	return integrityError{shardID: shardID, msg: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is a shard integrity error.
func IsIntegrity(err error) bool {
	_, ok := err.(integrityError)
	return ok
}

// IntegrityShard returns the shard id named by an integrity error.
func IntegrityShard(err error) string {
	if ie, ok := err.(integrityError); ok {
		return ie.shardID
	}
	return ""
}

// strategyError signals an unknown or invalid strategy name. The caller's
// state is left unchanged.
type strategyError struct{ name string }

func (e strategyError) Error() string { return "unknown sharding strategy: " + e.name }

// ErrUnknownStrategy constructs a strategy error.
func ErrUnknownStrategy(name string) error { return strategyError{name: name} }

// IsUnknownStrategy reports whether err names an invalid strategy.
func IsUnknownStrategy(err error) bool {
	_, ok := err.(strategyError)
	return ok
}

// busyError signals a concurrent split/merge on the same model.
type busyError struct{ model string }

func (e busyError) Error() string { return "split or merge already in flight for model: " + e.model }

// ErrBusy constructs an in-flight conflict error.
func ErrBusy(model string) error { return busyError{model: model} }

// IsBusy reports whether err indicates an in-flight operation conflict.
func IsBusy(err error) bool {
	_, ok := err.(busyError)
	return ok
}
