package channeldb

import "fmt"

var (
	// ErrChannelNotFound is returned when a slot has no current channel or
	// a channel id is unknown.
	ErrChannelNotFound = fmt.Errorf("channel not found")

	// ErrChannelExists is returned when a channel id is inserted twice.
	ErrChannelExists = fmt.Errorf("channel already exists")

	// ErrVersionConflict is returned when a compare-and-swap update finds
	// a newer version of the record than the caller read.
	ErrVersionConflict = fmt.Errorf("record was modified concurrently")

	// ErrCommitmentNotFound is returned when no commitment matches a
	// lookup.
	ErrCommitmentNotFound = fmt.Errorf("commitment not found")

	// ErrTransferNotFound is returned when a slot has no open transfer or
	// a transfer id is unknown.
	ErrTransferNotFound = fmt.Errorf("transfer not found")

	// ErrTransferOpen is returned when a transfer is opened on a slot that
	// already has one.
	ErrTransferOpen = fmt.Errorf("slot already has an open transfer")

	// ErrClosingNotFound is returned when a slot has no current closing
	// or a closing id is unknown.
	ErrClosingNotFound = fmt.Errorf("closing channel not found")

	// ErrRevokeKeyNotFound is returned when a revocation key was never
	// reserved.
	ErrRevokeKeyNotFound = fmt.Errorf("revocation key not found")

	// ErrBroadcastNotFound is returned for an unknown commitment
	// broadcast.
	ErrBroadcastNotFound = fmt.Errorf("commitment broadcast not found")

	// ErrBroadcastExists is returned when a broadcast row is written
	// twice.
	ErrBroadcastExists = fmt.Errorf("commitment broadcast already " +
		"recorded")

	// ErrPenaltyAlreadySet is returned when a penalty tx is attached to a
	// broadcast row that already has one.
	ErrPenaltyAlreadySet = fmt.Errorf("penalty tx already recorded")

	// ErrSpentOutputNotFound is returned for an outpoint without claim.
	ErrSpentOutputNotFound = fmt.Errorf("spent output not found")

	// ErrAssetSettingNotFound is returned for an unconfigured asset.
	ErrAssetSettingNotFound = fmt.Errorf("asset setting not found")

	// ErrReadOnlyTx is returned when a write is attempted through a view.
	ErrReadOnlyTx = fmt.Errorf("write in read only transaction")

	// ErrDBReversion is returned when detecting an attempt to revert to a
	// prior database version.
	ErrDBReversion = fmt.Errorf("channel db cannot revert to prior version")
)
