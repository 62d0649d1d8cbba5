package ledger

// Operation names reported through OperationLogger.
const (
	OperationResolve       = "resolve"
	OperationCreateAccount = "create_account"
	OperationRemoveAccount = "remove_account"
	OperationSetBalance    = "set_balance"
	OperationDeposit       = "deposit"
	OperationConvert       = "convert"
)

// Operation statuses reported through OperationLogger.
const (
	OperationStatusOK    = "ok"
	OperationStatusError = "error"
)

const (
	errorOperationService = "service"
	errorSubjectIdentity  = "identity"
	errorSubjectLedger    = "ledger"
	errorCodeResolve      = "resolve"
	errorCodeAllocate     = "allocate"
	errorCodeConvert      = "convert"

	// resolveAttempts bounds the retry after a concurrent insert of the same identity.
	resolveAttempts = 2
)
