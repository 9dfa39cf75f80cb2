// Package returns reconciles bank return files against submitted
// transactions. Every entry ends in a terminal, queryable state: settled,
// scheduled for retry, or permanently failed.
package returns

// Reason classifies an ISO return reason code. Retryable reasons are
// transient debtor or bank conditions; cancelling reasons invalidate the
// mandate authorization itself.
type Reason struct {
	Code           string
	Description    string
	Retryable      bool
	CancelsMandate bool
}

// reasonTable covers the codes the Dutch banks actually send for CORE direct
// debits. Unknown codes fall through to a permanent, non-cancelling failure:
// retrying an unclassified return risks presenting an unauthorized collection.
var reasonTable = map[string]Reason{
	"AM04": {Code: "AM04", Description: "insufficient funds", Retryable: true},
	"MS02": {Code: "MS02", Description: "bank system error", Retryable: true},
	"MS03": {Code: "MS03", Description: "reason not specified by the bank", Retryable: true},
	"AC01": {Code: "AC01", Description: "incorrect account number"},
	"AG01": {Code: "AG01", Description: "direct debit forbidden on this account"},
	"AC04": {Code: "AC04", Description: "account closed", CancelsMandate: true},
	"MD01": {Code: "MD01", Description: "no valid mandate", CancelsMandate: true},
	"MD07": {Code: "MD07", Description: "debtor deceased", CancelsMandate: true},
}

// LookupReason classifies a return reason code.
func LookupReason(code string) Reason {
	if r, ok := reasonTable[code]; ok {
		return r
	}
	return Reason{Code: code, Description: "unrecognized return reason"}
}
