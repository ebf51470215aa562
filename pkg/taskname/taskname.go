package taskname

const (
	// Redemption tasks
	RedemptionExpirySweep = "redemption:expiry:sweep"

	// Wallet tasks
	WalletChainAudit = "wallet:chain:audit"
)
