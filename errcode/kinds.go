package errcode

var (
	// ErrBadInputParameter is returned for malformed or inconsistent
	// request parameters.
	ErrBadInputParameter = Register(100, "bad input parameter")

	// ErrInvalidAddress is returned when an address does not decode for
	// the active network.
	ErrInvalidAddress = Register(101, "invalid address")

	// ErrAssetNotFound is returned when an asset id is unknown.
	ErrAssetNotFound = Register(110, "asset not found")

	// ErrAssetSettingNotFound is returned when an asset has no hub
	// settings.
	ErrAssetSettingNotFound = Register(111, "asset setting not found")

	// ErrNotEnoughBitcoinAvailable is returned when coin selection cannot
	// cover a bitcoin amount.
	ErrNotEnoughBitcoinAvailable = Register(120,
		"not enough bitcoin available")

	// ErrNotEnoughAssetAvailable is returned when coin selection cannot
	// cover an asset quantity.
	ErrNotEnoughAssetAvailable = Register(121, "not enough asset available")

	// ErrNotEnoughtClientFunds is returned when the client side of a
	// channel cannot cover a payment.
	ErrNotEnoughtClientFunds = Register(122, "not enough client funds")

	// ErrShouldOpenNewChannel is returned when a transfer needs more than
	// the hub side holds, or no broadcast channel exists.
	ErrShouldOpenNewChannel = Register(130, "should open new channel")

	// ErrChannelNotFinalized is returned while a required transfer is
	// still open on the slot.
	ErrChannelNotFinalized = Register(131, "channel not finalized")

	// ErrAnotherChannelSetupExists is returned when an unbroadcast
	// channel or pending closing remains on the slot.
	ErrAnotherChannelSetupExists = Register(132,
		"another channel setup exists")

	// ErrBadTransaction is returned when a client supplied transaction
	// differs from the issued one or carries invalid client signatures.
	ErrBadTransaction = Register(140, "bad transaction")

	// ErrBadFullSignTransaction is returned when the fully signed
	// transaction fails script verification.
	ErrBadFullSignTransaction = Register(141, "bad fully signed transaction")

	// ErrCommitmentExpired is returned for a superseded commitment.
	ErrCommitmentExpired = Register(150, "commitment expired")

	// ErrCommitmentNotFound is returned for an unknown commitment.
	ErrCommitmentNotFound = Register(151, "commitment not found")

	// ErrChannelWasBroadcasted is returned when an operation needs a
	// channel whose commitment already went on chain.
	ErrChannelWasBroadcasted = Register(152, "channel was broadcasted")

	// ErrClosingChannelExpired is returned for a superseded closing.
	ErrClosingChannelExpired = Register(153, "closing channel expired")

	// ErrKeyUsedAlready is returned when a revocation key is reused.
	ErrKeyUsedAlready = Register(160, "key used already")

	// ErrTransactionConcurrentInputsProblem is returned when another
	// build claimed the same outputs first.
	ErrTransactionConcurrentInputsProblem = registerRetryable(170,
		"transaction concurrent inputs problem")

	// ErrDuplicateTransactionID is returned when a client supplied
	// transfer id is already known.
	ErrDuplicateTransactionID = Register(180, "duplicate transaction id")

	// ErrDuplicateRequest is returned for a replayed request.
	ErrDuplicateRequest = Register(181, "duplicate request")
)
