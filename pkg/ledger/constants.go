package ledger

const (
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationSetAbsolute = "set_absolute"
	operationRefund      = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoop  = "noop"

	refundDescriptionPrefix = "refund of "
)
