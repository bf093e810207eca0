package taskname

const (
	// Job lifecycle tasks
	JobPoll    = "job:poll"
	JobTimeout = "job:timeout"
	JobRelease = "job:release"

	// Ledger tasks
	LedgerSweepHolds = "ledger:sweep:holds"

	// Invite tasks
	InviteRevalidate = "invite:revalidate"

	// Recharge tasks
	RechargeExpireOrders = "recharge:expire:orders"
)
