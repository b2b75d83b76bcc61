package ledger

const (
	OperationStatusOK    = operationStatusOK
	OperationStatusNoop  = operationStatusNoop
	OperationStatusError = operationStatusError

	OperationPlaceBet    = operationPlaceBet
	OperationResolvePool = operationResolvePool
	OperationLockBet     = operationLockBet
	OperationExpirePool  = operationExpirePool
)
